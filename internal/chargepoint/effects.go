package chargepoint

import (
	"context"
	"strconv"

	"github.com/ocpp16cp/chargepoint/internal/metrics"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// startTransactionOn transitions c into connTransaction and enqueues a
// durable Start event for it.
func (cp *ChargePoint) startTransactionOn(c *connector, idTag string, reservationID *string) {
	meterStart := 0
	if v, ok := cp.hw.GetMeterValue(context.Background(), c.id, ocpp.Measurand("Energy.Active.Import.Register")); ok {
		meterStart = int(v.Value)
	}
	localTx := cp.tx.EnqueueStart(c.id, idTag, meterStart, reservationID)
	c.kind = connTransaction
	c.localTxID = localTx
	c.txIDTag = idTag
	c.suspended = false
	cp.timers.Remove(ID(timerAuthorize, c.id))
	cp.armMeterSampledTimer(c.id)
	cp.recomputeStatus(c)
}

// stopTransactionOn transitions c into connFinishing (or connUnavailable
// when an Inoperative change is pending) and enqueues a durable Stop event
// for its active transaction.
func (cp *ChargePoint) stopTransactionOn(c *connector, reason ocpp.Reason, meterStop *int) {
	if c.kind != connTransaction {
		return
	}
	value := 0
	if meterStop != nil {
		value = *meterStop
	} else if v, ok := cp.hw.GetMeterValue(context.Background(), c.id, ocpp.Measurand("Energy.Active.Import.Register")); ok {
		value = int(v.Value)
	}
	tag := c.txIDTag
	cp.tx.EnqueueStop(c.localTxID, &tag, value, &reason)
	cp.timers.Remove(ID(timerMeterSampled, c.id))
	if c.pendingInoperative {
		c.pendingInoperative = false
		c.priorKind = connFinishing
		c.kind = connUnavailable
	} else {
		c.kind = connFinishing
	}
	cp.recomputeStatus(c)
}

// sendAuthorize issues an outbound Authorize call and marks the connector
// as having a pending Authorize.
func (cp *ChargePoint) sendAuthorize(connectorID int, idTag string) {
	cp.pendingAuthorize[connectorID] = true
	req := &ocpp.AuthorizeRequest{IdTag: idTag}
	cp.broker.Enqueue(ocpp.ActionAuthorize, req,
		func(payload []byte) {
			delete(cp.pendingAuthorize, connectorID)
			var resp ocpp.AuthorizeResponse
			if err := ocpp.DecodePayload(payload, &resp); err != nil {
				return
			}
			cp.recordAuthResult(context.Background(), idTag, resp.IdTagInfo)
			if resp.IdTagInfo.IsValid(cp.now()) {
				cp.onIdTag(cp.connectors[connectorID], idTag)
			}
		},
		func(code ocpp.ProtocolErrorCode, description string) { delete(cp.pendingAuthorize, connectorID) },
		func() { delete(cp.pendingAuthorize, connectorID) },
	)
}

// sendStatusNotification issues an outbound StatusNotification call for
// connectorID carrying status.
func (cp *ChargePoint) sendStatusNotification(connectorID int, status ocpp.ChargePointStatus) {
	c := cp.connectors[connectorID]
	req := &ocpp.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   c.errorCode,
		Status:      status,
	}
	if c.info != "" {
		req.Info = &c.info
	}
	cp.broker.Enqueue(ocpp.ActionStatusNotification, req, nil, nil, nil)

	connID := strconv.Itoa(connectorID)
	if c.lastSentStatus != "" && c.lastSentStatus != status {
		metrics.ConnectorStatus.WithLabelValues(connID, string(c.lastSentStatus)).Set(0)
	}
	metrics.ConnectorStatus.WithLabelValues(connID, string(status)).Set(1)
	c.lastSentStatus = status
}

// removeReservation clears a reservation's record, timer and persisted
// entry; it leaves the connector's kind to the caller.
func (cp *ChargePoint) removeReservation(reservationID string) {
	rec, ok := cp.reservations[reservationID]
	if !ok {
		return
	}
	delete(cp.reservations, reservationID)
	cp.timers.Remove(ID(timerReservation, rec.connectorID))
	_ = cp.store.DeleteReservation(context.Background(), reservationID)
}

// firmwareBlocksAvailability reports whether an in-progress firmware
// install forces non-transaction connectors to Unavailable (§4.5.1).
func (cp *ChargePoint) firmwareBlocksAvailability(connectorID int) bool {
	return cp.firmwareCoord.blocksAvailability()
}

// resetHeartbeatIdle restarts the heartbeat Sleeping timer; called on any
// outbound call dispatch.
func (cp *ChargePoint) resetHeartbeatIdle() {
	if cp.heartbeatState.kind == hbSleeping {
		cp.armHeartbeatTimer()
	}
}

// onSoftResetReady is invoked by the broker once it is idle with a Soft
// reset pending: unlike a Hard reset this never touches the hardware
// driver, it only restarts protocol state by forcing a reconnect, which
// re-runs the boot sequence.
func (cp *ChargePoint) onSoftResetReady() {
	cp.resetPending = nil
	_ = cp.ws.Close(context.Background())
}
