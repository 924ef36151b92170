package chargepoint

import (
	"context"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/metrics"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
	"github.com/ocpp16cp/chargepoint/internal/timer"
)

// maxIdleSleep bounds how long the loop will block with no timer armed at
// all (e.g. before the clock anchor exists), so a shutdown request is
// never starved for more than this long.
const maxIdleSleep = 5 * time.Second

// Run is the C14 single-threaded cooperative event loop: one goroutine,
// no locks on core state, a priority-ordered non-blocking select over
// every driver event source, falling through to a bounded sleep until the
// next timer deadline when nothing is ready. Run blocks until ctx is
// cancelled or RequestShutdown has been observed and drained.
func (cp *ChargePoint) Run(ctx context.Context) {
	for {
		cp.drainTimers()

		if ctx.Err() != nil || cp.shutdownRequested {
			return
		}

		if cp.pumpOnce() {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cp.sleepDuration()):
		}
	}
}

// drainTimers fires every timer whose deadline has already elapsed. Next
// yields at most one expiry per call, so this loops until it reports none
// pending.
func (cp *ChargePoint) drainTimers() {
	for {
		id, ok := cp.timers.Next()
		if !ok {
			return
		}
		cp.fireTimer(id)
	}
}

func (cp *ChargePoint) fireTimer(id timer.ID) {
	switch id.Kind {
	case timerBoot:
		cp.OnBootTimer()
	case timerHeartbeat:
		cp.OnHeartbeatTimer()
	case timerCall:
		cp.broker.OnCallTimeout()
	case timerStatusNotification:
		cp.onStatusNotificationTimer(id.Index)
	case timerTransaction:
		cp.tx.OnTimerFired()
	case timerAuthorize:
		cp.onAuthorizeTimeout(id.Index)
	case timerReservation:
		cp.OnReservationTimer(id.Index)
	case timerFirmware:
		cp.OnFirmwareTimer()
	case timerMeterAligned:
		cp.OnMeterAlignedTimer()
	case timerMeterSampled:
		cp.OnMeterSampledTimer(id.Index)
	}
}

// pumpOnce polls every event source once, in priority order, delivering
// at most a single event before returning. Reports whether an event was
// delivered, so the caller can re-poll immediately instead of sleeping.
func (cp *ChargePoint) pumpOnce() bool {
	select {
	case ev, ok := <-cp.hw.Events():
		if ok {
			cp.handleHardwareEvent(ev)
		}
		return true
	default:
	}

	select {
	case ev, ok := <-cp.ws.Events():
		if ok {
			cp.handleWsEvent(ev)
		}
		return true
	default:
	}

	if id, ok := cp.timers.Next(); ok {
		cp.fireTimer(id)
		return true
	}

	select {
	case ok, chOpen := <-cp.fw.DownloadResult():
		if chOpen {
			cp.OnFirmwareDownloadResult(ok)
		}
		return true
	default:
	}

	select {
	case ok, chOpen := <-cp.fw.InstallResult():
		if chOpen {
			cp.OnFirmwareInstallResult(ok)
		}
		return true
	default:
	}

	select {
	case result, chOpen := <-cp.diagDrv.Result():
		if chOpen {
			cp.OnDiagnosticsResult(result)
		}
		return true
	default:
	}

	select {
	case _, chOpen := <-cp.hw.ResetCompleted():
		if chOpen {
			cp.onHardResetCompleted()
		}
		return true
	default:
	}

	return false
}

// sleepDuration bounds the loop's blocking wait by the next armed timer
// deadline, falling back to maxIdleSleep so a cancelled context or a
// shutdown request set from outside the loop is still observed promptly.
func (cp *ChargePoint) sleepDuration() time.Duration {
	at, ok := cp.timers.NextDeadline()
	if !ok {
		return maxIdleSleep
	}
	d := time.Until(at)
	if d <= 0 {
		return 0
	}
	if d > maxIdleSleep {
		return maxIdleSleep
	}
	return d
}

func (cp *ChargePoint) handleHardwareEvent(ev driver.HardwareEvent) {
	switch ev.Kind {
	case driver.HardwareStateChanged:
		c, ok := cp.connectors[ev.Connector]
		if !ok {
			return
		}
		cp.onSECC(c, seccStateFromStatus(ev.Status), ev.ErrorCode, ev.Info)
	case driver.HardwareIdTagPresented:
		c, ok := cp.connectors[ev.Connector]
		if !ok {
			return
		}
		cp.onIdTag(c, ev.IdTag)
	}
}

// seccStateFromStatus maps the hardware driver's reported ChargePointStatus
// onto the cable-presence state the connector FSM transitions on: a fault
// always wins, Available means nothing is plugged in, and every other
// status the driver can report implies a cable is present.
func seccStateFromStatus(status ocpp.ChargePointStatus) seccState {
	switch status {
	case ocpp.ChargePointStatusFaulted:
		return seccFaulty
	case ocpp.ChargePointStatusAvailable:
		return seccUnplugged
	default:
		return seccPlugged
	}
}

// onHardResetCompleted is delivered once the hardware driver reports a
// requested HardReset has actually completed. The reset itself already
// tore the process down from the charge point's perspective; by the time
// this fires the websocket has reconnected and a fresh boot sequence is
// what brings the charge point back, so there is nothing left to clear
// here beyond the pending flag.
func (cp *ChargePoint) onHardResetCompleted() {
	cp.resetPending = nil
}

func (cp *ChargePoint) handleWsEvent(ev driver.WsEvent) {
	switch ev.Kind {
	case driver.WsConnected:
		metrics.WebsocketConnected.Set(1)
		cp.OnWsConnected()
	case driver.WsDisconnected:
		metrics.WebsocketConnected.Set(0)
		cp.OnWsDisconnected()
	case driver.WsMessage:
		cp.handleWsMessage(ev.Msg)
	}
}

// handleWsMessage decodes one inbound websocket text frame and routes it
// to the broker (for a reply to an outstanding Call) or to the dispatcher
// (for a CMS-initiated Call), encoding and sending any reply the latter
// produces.
func (cp *ChargePoint) handleWsMessage(raw []byte) {
	frame := ocpp.Decode(raw)
	switch frame.Kind {
	case ocpp.FrameCall:
		cp.replyToCall(frame)
	case ocpp.FrameCallResult:
		cp.broker.OnResult(frame.ResultUniqueID, frame.ResultPayload)
	case ocpp.FrameCallError:
		cp.broker.OnError(frame.ErrorUniqueID, frame.ErrorCode, frame.ErrorDescription)
	case ocpp.FrameInvalid:
		cp.replyToInvalidFrame(frame)
	}
}

func (cp *ChargePoint) replyToCall(frame ocpp.Frame) {
	metrics.CallsReceived.WithLabelValues(string(frame.CallAction)).Inc()
	resp, err := cp.HandleIncomingCall(frame.CallAction, frame.CallPayload)
	var out []byte
	var encErr error
	if err != nil {
		code, desc := dispatchErrorOf(err)
		out, encErr = ocpp.EncodeCallError(frame.CallUniqueID, code, desc, nil)
	} else {
		out, encErr = ocpp.EncodeCallResult(frame.CallUniqueID, resp)
	}
	if encErr != nil {
		cp.log.ErrorWithErr(encErr, "encode inbound call reply")
		return
	}
	if err := cp.ws.Send(context.Background(), out); err != nil {
		cp.log.ErrorWithErr(err, "send inbound call reply")
	}
}

// replyToInvalidFrame answers a malformed inbound Call with
// FormationViolation; anything that cannot even be identified as a Call
// attempt (wrong messageTypeId, unparseable array) is dropped silently,
// since there is no uniqueId to reply against.
func (cp *ChargePoint) replyToInvalidFrame(frame ocpp.Frame) {
	if frame.InvalidUniqueID == nil {
		return
	}
	out, err := ocpp.EncodeCallError(*frame.InvalidUniqueID, ocpp.ErrFormationViolation, frame.Reason, nil)
	if err != nil {
		cp.log.ErrorWithErr(err, "encode FormationViolation reply")
		return
	}
	if err := cp.ws.Send(context.Background(), out); err != nil {
		cp.log.ErrorWithErr(err, "send FormationViolation reply")
	}
}

func dispatchErrorOf(err error) (ocpp.ProtocolErrorCode, string) {
	if de, ok := err.(*dispatchError); ok {
		return de.Code, de.Description
	}
	return ocpp.ErrInternalError, err.Error()
}
