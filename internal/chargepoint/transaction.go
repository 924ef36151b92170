package chargepoint

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/metrics"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

type txEventKind int

const (
	txEventStart txEventKind = iota
	txEventMeter
	txEventStop
)

// meterSampleLocal is one locally-recorded measurand reading; Known holds
// a wall-clock timestamp, otherwise Mono records the monotonic instant at
// which it was taken (projected through the clock anchor on send).
type meterSampleLocal struct {
	Context   ocpp.ReadingContext `json:"context"`
	Measurand ocpp.Measurand      `json:"measurand"`
	Phase     *ocpp.Phase         `json:"phase,omitempty"`
	Unit      ocpp.UnitOfMeasure  `json:"unit"`
	Value     string              `json:"value"`
	Known     bool                `json:"known"`
	Wall      time.Time           `json:"wall,omitempty"`
	Mono      time.Time           `json:"mono,omitempty"`
}

func (p *txPipeline) project(s meterSampleLocal) time.Time {
	if s.Known {
		return s.Wall
	}
	return p.cp.clock.Project(s.Mono, true)
}

// txEvent is the JSON-persisted shape of one Start/Meter/Stop event.
type txEvent struct {
	Kind          txEventKind         `json:"kind"`
	LocalTx       int64               `json:"local_tx"`
	Connector     int                 `json:"connector"`
	IdTag         string              `json:"id_tag,omitempty"`
	MeterStart    int                 `json:"meter_start,omitempty"`
	ReservationID *string             `json:"reservation_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp,omitempty"`
	Samples       []meterSampleLocal  `json:"samples,omitempty"`
	MeterStop     int                 `json:"meter_stop,omitempty"`
	Reason        *ocpp.Reason        `json:"reason,omitempty"`
	HasLocalTx    bool                `json:"has_local_tx"`
}

// txPipeline is the durable FIFO transaction pipeline (C8).
type txPipeline struct {
	cp *ChargePoint

	localTxCounter int64
	head           int64
	tail           int64
	events         map[int64]txEvent

	localToServer    map[int64]string
	localToConnector map[int64]int
	stopMeterStore   map[int64][]ocpp.MeterValue

	retries int
}

func newTxPipeline(cp *ChargePoint) *txPipeline {
	return &txPipeline{
		cp:               cp,
		events:           make(map[int64]txEvent),
		localToServer:    make(map[int64]string),
		localToConnector: make(map[int64]int),
		stopMeterStore:   make(map[int64][]ocpp.MeterValue),
	}
}

func (p *txPipeline) recover(ctx context.Context) error {
	snap, err := p.cp.store.LoadTransactionSnapshot(ctx)
	if err != nil {
		return err
	}
	p.localTxCounter = snap.NumTransactions
	for local, conn := range snap.ConnectorByLocal {
		p.localToConnector[local] = conn
	}
	for local, serverID := range snap.ServerTxByLocal {
		p.localToServer[local] = serverID
	}

	indices := snap.SortedEventIndices()
	hasStopFor := make(map[int64]bool)
	for _, idx := range indices {
		var ev txEvent
		if err := json.Unmarshal([]byte(snap.Events[idx]), &ev); err != nil {
			continue
		}
		p.events[idx] = ev
		if idx >= p.tail {
			p.tail = idx + 1
		}
		if ev.Kind == txEventStop {
			hasStopFor[ev.LocalTx] = true
		}
	}
	if len(indices) > 0 {
		p.head = indices[0]
	} else {
		p.head = p.tail
	}

	for local, conn := range p.localToConnector {
		if !hasStopFor[local] {
			reason := ocpp.ReasonPowerLoss
			p.appendLocked(ctx, txEvent{Kind: txEventStop, LocalTx: local, Connector: conn, Reason: &reason, Timestamp: time.Now().UTC(), HasLocalTx: true})
		}
	}
	return nil
}

func (p *txPipeline) nextLocalTxID() int64 {
	p.localTxCounter++
	return p.localTxCounter
}

func (p *txPipeline) appendLocked(ctx context.Context, ev txEvent) {
	idx := p.tail
	p.tail++
	p.events[idx] = ev
	raw, _ := json.Marshal(ev)
	txn := p.cp.store.NewTransactionTxn().PutEvent(idx, string(raw)).SetNumTransactions(p.localTxCounter)
	if ev.Connector != 0 {
		txn = txn.PutConnector(ev.LocalTx, ev.Connector)
	}
	_ = p.cp.store.CommitTransactionTxn(ctx, txn)
	p.reportDepth()
}

func (p *txPipeline) reportDepth() {
	metrics.TransactionPipelineDepth.Set(float64(p.tail - p.head))
}

func (p *txPipeline) EnqueueStart(connector int, idTag string, meterStart int, reservationID *string) int64 {
	localTx := p.nextLocalTxID()
	ctx := context.Background()
	p.localToConnector[localTx] = connector
	p.appendLocked(ctx, txEvent{
		Kind: txEventStart, LocalTx: localTx, Connector: connector, IdTag: idTag,
		MeterStart: meterStart, ReservationID: reservationID, Timestamp: p.cp.now(), HasLocalTx: true,
	})
	p.process()
	return localTx
}

func (p *txPipeline) EnqueueMeter(connector int, localTx *int64, samples []meterSampleLocal) {
	ctx := context.Background()
	ev := txEvent{Kind: txEventMeter, Connector: connector, Samples: samples}
	if localTx != nil {
		ev.LocalTx = *localTx
		ev.HasLocalTx = true
	}
	p.appendLocked(ctx, ev)
	p.process()
}

func (p *txPipeline) EnqueueStop(localTx int64, idTag *string, meterStop int, reason *ocpp.Reason) {
	ctx := context.Background()
	ev := txEvent{
		Kind: txEventStop, LocalTx: localTx, MeterStop: meterStop, Reason: reason,
		Timestamp: p.cp.now(), HasLocalTx: true,
	}
	if idTag != nil {
		ev.IdTag = *idTag
	}
	p.appendLocked(ctx, ev)
	p.process()
}

// process drives the head event through the broker while online. It is
// re-entered whenever the pipeline is enqueued to, comes back online, or a
// retry timer fires.
func (p *txPipeline) process() {
	if !p.cp.online {
		return
	}
	ev, ok := p.events[p.head]
	if !ok {
		return
	}
	ctx := context.Background()

	switch ev.Kind {
	case txEventStart:
		p.sendStart(ctx, ev)
	case txEventMeter:
		if ev.HasLocalTx {
			if _, known := p.localToServer[ev.LocalTx]; !known {
				p.popHead(ctx)
				p.process()
				return
			}
		}
		p.sendMeter(ctx, ev)
	case txEventStop:
		if _, known := p.localToServer[ev.LocalTx]; !known {
			delete(p.stopMeterStore, ev.LocalTx)
			p.popHead(ctx)
			p.process()
			return
		}
		p.sendStop(ctx, ev)
	}
}

func (p *txPipeline) popHead(ctx context.Context) {
	delete(p.events, p.head)
	txn := p.cp.store.NewTransactionTxn().DeleteEvent(p.head)
	_ = p.cp.store.CommitTransactionTxn(ctx, txn)
	p.head++
	p.retries = 0
	p.reportDepth()
}

func (p *txPipeline) sendStart(ctx context.Context, ev txEvent) {
	req := &ocpp.StartTransactionRequest{
		ConnectorId: ev.Connector,
		IdTag:       ev.IdTag,
		MeterStart:  ev.MeterStart,
		Timestamp:   ocpp.NewDateTime(ev.Timestamp),
	}
	if ev.ReservationID != nil {
		if n, err := strconv.Atoi(*ev.ReservationID); err == nil {
			req.ReservationId = &n
		}
	}
	p.cp.broker.Enqueue(ocpp.ActionStartTransaction, req,
		func(payload []byte) {
			var resp ocpp.StartTransactionResponse
			if err := ocpp.DecodePayload(payload, &resp); err != nil {
				p.scheduleRetry()
				return
			}
			serverID := itoa(resp.TransactionId)
			p.localToServer[ev.LocalTx] = serverID
			txn := p.cp.store.NewTransactionTxn().PutServerTxID(ev.LocalTx, serverID).DeleteEvent(p.head)
			_ = p.cp.store.CommitTransactionTxn(ctx, txn)
			delete(p.events, p.head)
			p.head++
			p.retries = 0
			p.reportDepth()
			p.cp.recordAuthResult(ctx, ev.IdTag, resp.IdTagInfo)
			if !resp.IdTagInfo.IsValid(p.cp.now()) {
				reason := ocpp.ReasonDeAuthorized
				p.EnqueueStop(ev.LocalTx, &ev.IdTag, ev.MeterStart, &reason)
			}
			p.process()
		},
		func(code ocpp.ProtocolErrorCode, description string) { p.scheduleRetry() },
		func() { p.scheduleRetry() },
	)
}

func (p *txPipeline) sendMeter(ctx context.Context, ev txEvent) {
	mv := ocpp.MeterValue{Timestamp: ocpp.NewDateTime(p.cp.now())}
	for _, s := range ev.Samples {
		phase := s.Phase
		measurand := s.Measurand
		unit := s.Unit
		ctxv := s.Context
		mv.SampledValue = append(mv.SampledValue, ocpp.SampledValue{
			Value: s.Value, Context: &ctxv, Measurand: &measurand, Phase: phase, Unit: &unit,
		})
	}
	var transactionID *int
	if ev.HasLocalTx {
		if serverID, ok := p.localToServer[ev.LocalTx]; ok {
			n := atoiOrZero(serverID)
			transactionID = &n
		}
	}
	req := &ocpp.MeterValuesRequest{ConnectorId: ev.Connector, TransactionId: transactionID, MeterValue: []ocpp.MeterValue{mv}}
	p.cp.broker.Enqueue(ocpp.ActionMeterValues, req,
		func(payload []byte) { p.popHead(ctx); p.process() },
		func(code ocpp.ProtocolErrorCode, description string) { p.scheduleRetry() },
		func() { p.scheduleRetry() },
	)
}

func (p *txPipeline) sendStop(ctx context.Context, ev txEvent) {
	serverID := p.localToServer[ev.LocalTx]
	txID := atoiOrZero(serverID)
	req := &ocpp.StopTransactionRequest{
		MeterStop:     ev.MeterStop,
		Timestamp:     ocpp.NewDateTime(ev.Timestamp),
		TransactionId: txID,
		Reason:        ev.Reason,
		TransactionData: p.stopMeterStore[ev.LocalTx],
	}
	if ev.IdTag != "" {
		req.IdTag = &ev.IdTag
	}
	p.cp.broker.Enqueue(ocpp.ActionStopTransaction, req,
		func(payload []byte) {
			var resp ocpp.StopTransactionResponse
			_ = ocpp.DecodePayload(payload, &resp)
			if resp.IdTagInfo != nil && ev.IdTag != "" {
				p.cp.recordAuthResult(ctx, ev.IdTag, *resp.IdTagInfo)
			}
			delete(p.stopMeterStore, ev.LocalTx)
			delete(p.localToConnector, ev.LocalTx)
			p.popHead(ctx)
			p.cp.onTransactionEnded()
			p.process()
		},
		func(code ocpp.ProtocolErrorCode, description string) { p.scheduleRetry() },
		func() { p.scheduleRetry() },
	)
}

func (p *txPipeline) scheduleRetry() {
	p.retries++
	if uint64(p.retries) >= p.cp.registry.TransactionMessageAttempts() {
		ctx := context.Background()
		p.popHead(ctx)
		p.process()
		return
	}
	interval := time.Duration(p.cp.registry.TransactionMessageRetryInterval()) * time.Duration(p.retries) * time.Second
	p.cp.timers.AddOrUpdate(ID(timerTransaction, 0), interval)
}

func (p *txPipeline) OnTimerFired() {
	p.process()
}

func (p *txPipeline) OnOnline() {
	p.retries = 0
	p.process()
}

func (p *txPipeline) appendStopMeterSample(localTx int64, mv ocpp.MeterValue) {
	p.stopMeterStore[localTx] = append(p.stopMeterStore[localTx], mv)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
