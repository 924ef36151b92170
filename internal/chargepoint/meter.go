package chargepoint

import (
	"context"
	"strconv"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// armMeterSampledTimer (re)schedules the per-connector Sampled timer (C9)
// for as long as a transaction is active on it.
func (cp *ChargePoint) armMeterSampledTimer(connectorID int) {
	interval := cp.registry.MeterValueSampleInterval()
	if interval == 0 {
		return
	}
	cp.timers.AddOrUpdate(ID(timerMeterSampled, connectorID), time.Duration(interval)*time.Second)
}

func (cp *ChargePoint) OnMeterSampledTimer(connectorID int) {
	c, ok := cp.connectors[connectorID]
	if !ok || c.kind != connTransaction {
		return
	}
	cp.sampleMeter(connectorID, cp.registry.MeterValuesSampledData(), ocpp.ReadingContextSamplePeriodic, &c.localTxID)
	cp.appendStopTxnSample(connectorID, c.localTxID, cp.registry.StopTxnSampledData(), ocpp.ReadingContextSamplePeriodic)
	cp.armMeterSampledTimer(connectorID)
}

func nextAlignedDeadline(now time.Time, interval time.Duration) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(midnight)
	n := int64(elapsed/interval) + 1
	return midnight.Add(time.Duration(n) * interval)
}

// armMeterAlignedTimer (re)schedules the global UTC-midnight-aligned
// Clock-aligned timer. Requires the clock anchor to be known.
func (cp *ChargePoint) armMeterAlignedTimer() {
	interval := time.Duration(cp.registry.ClockAlignedDataInterval()) * time.Second
	if interval <= 0 || !cp.clock.Known() {
		return
	}
	now := cp.now()
	next := nextAlignedDeadline(now, interval)
	cp.timers.AddOrUpdate(ID(timerMeterAligned, 0), next.Sub(now))
}

func (cp *ChargePoint) OnMeterAlignedTimer() {
	for id, c := range cp.connectors {
		cp.sampleMeter(id, cp.registry.MeterValuesAlignedData(), ocpp.ReadingContextSampleClock, nil)
		if c.kind == connTransaction {
			cp.appendStopTxnSample(id, c.localTxID, cp.registry.StopTxnAlignedData(), ocpp.ReadingContextSampleClock)
		}
	}
	cp.armMeterAlignedTimer()
}

func formatMeterValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// sampleMeter reads every configured measurand from the hardware driver
// and enqueues a durable Meter event; absent readings are skipped.
func (cp *ChargePoint) sampleMeter(connectorID int, measurands []measurandToken, readingCtx ocpp.ReadingContext, localTx *int64) {
	var samples []meterSampleLocal
	for _, m := range measurands {
		data, ok := cp.hw.GetMeterValue(context.Background(), connectorID, m.Measurand)
		if !ok {
			continue
		}
		s := meterSampleLocal{
			Context:   readingCtx,
			Measurand: m.Measurand,
			Unit:      data.Unit,
			Value:     formatMeterValue(data.Value),
			Known:     cp.clock.Known(),
		}
		if m.HasPhase {
			phase := m.Phase
			s.Phase = &phase
		}
		if s.Known {
			s.Wall = cp.now()
		} else {
			s.Mono = time.Now()
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return
	}
	cp.tx.EnqueueMeter(connectorID, localTx, samples)
}

// appendStopTxnSample builds an ocpp.MeterValue from the current hardware
// reading and stages it into the transaction's stop-meter store, to be
// attached to StopTransaction.transactionData at enqueue time.
func (cp *ChargePoint) appendStopTxnSample(connectorID int, localTx int64, measurands []measurandToken, readingCtx ocpp.ReadingContext) {
	mv := ocpp.MeterValue{Timestamp: ocpp.NewDateTime(cp.now())}
	for _, m := range measurands {
		data, ok := cp.hw.GetMeterValue(context.Background(), connectorID, m.Measurand)
		if !ok {
			continue
		}
		measurand := m.Measurand
		unit := data.Unit
		readCtx := readingCtx
		sv := ocpp.SampledValue{Value: formatMeterValue(data.Value), Context: &readCtx, Measurand: &measurand, Unit: &unit}
		if m.HasPhase {
			phase := m.Phase
			sv.Phase = &phase
		}
		mv.SampledValue = append(mv.SampledValue, sv)
	}
	if len(mv.SampledValue) == 0 {
		return
	}
	cp.tx.appendStopMeterSample(localTx, mv)
}
