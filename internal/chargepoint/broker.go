package chargepoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ocpp16cp/chargepoint/internal/metrics"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// outboundCall is one Call frame awaiting dispatch or response.
type outboundCall struct {
	uniqueID string
	action   ocpp.Action
	payload  interface{}
	sentAt   time.Time

	onResult  func(payload []byte)
	onError   func(code ocpp.ProtocolErrorCode, description string)
	onFailure func() // TimeOut or Offline
}

// broker is the outbound call broker (C5): at most one Call in flight,
// FIFO-ordered pending calls, gated on the charge point being online with
// no hard reset pending.
type broker struct {
	cp      *ChargePoint
	pending []*outboundCall
	inFlight *outboundCall
}

func newBroker(cp *ChargePoint) *broker {
	return &broker{cp: cp}
}

// Enqueue assigns a UniqueId to action/payload, appends it to the FIFO and
// attempts an immediate dispatch.
func (b *broker) Enqueue(action ocpp.Action, payload interface{}, onResult func(payload []byte), onError func(code ocpp.ProtocolErrorCode, description string), onFailure func()) string {
	id := uuid.NewString()
	b.pending = append(b.pending, &outboundCall{
		uniqueID:  id,
		action:    action,
		payload:   payload,
		onResult:  onResult,
		onError:   onError,
		onFailure: onFailure,
	})
	b.dispatch()
	return id
}

func (b *broker) idle() bool { return b.inFlight == nil }

func (b *broker) canSend() bool {
	if !b.idle() || !b.cp.online {
		return false
	}
	if b.cp.resetPending != nil && *b.cp.resetPending == ocpp.ResetTypeHard {
		return false
	}
	return len(b.pending) > 0
}

func (b *broker) dispatch() {
	if !b.canSend() {
		b.maybeEmitSoftReset()
		return
	}
	call := b.pending[0]
	b.pending = b.pending[1:]

	frame, err := ocpp.EncodeCall(call.uniqueID, call.action, call.payload)
	if err != nil {
		b.cp.log.ErrorWithErr(err, "encode outbound call")
		if call.onFailure != nil {
			call.onFailure()
		}
		b.dispatch()
		return
	}
	if err := b.cp.ws.Send(context.Background(), frame); err != nil {
		b.cp.log.ErrorWithErr(err, "send outbound call")
		if call.onFailure != nil {
			call.onFailure()
		}
		b.dispatch()
		return
	}
	call.sentAt = time.Now()
	b.inFlight = call
	metrics.CallsSent.WithLabelValues(string(call.action)).Inc()
	b.cp.timers.AddOrUpdate(ID(timerCall, 0), b.callTimeout())
	b.cp.resetHeartbeatIdle()
}

// defaultCallTimeout applies when the host's bootstrap document doesn't
// set ChargePointConfig.call_timeout.
const defaultCallTimeout = 30 * time.Second

func (b *broker) callTimeout() time.Duration {
	if b.cp.callTimeout > 0 {
		return b.cp.callTimeout
	}
	return defaultCallTimeout
}

// OnResult matches a CallResult frame against the in-flight call.
func (b *broker) OnResult(uniqueID string, payload []byte) {
	if b.inFlight == nil || b.inFlight.uniqueID != uniqueID {
		return
	}
	call := b.inFlight
	b.inFlight = nil
	b.cp.timers.Remove(ID(timerCall, 0))
	metrics.CallDuration.WithLabelValues(string(call.action)).Observe(time.Since(call.sentAt).Seconds())
	if call.onResult != nil {
		call.onResult(payload)
	}
	b.dispatch()
}

// OnError matches a CallError frame against the in-flight call.
func (b *broker) OnError(uniqueID string, code ocpp.ProtocolErrorCode, description string) {
	if b.inFlight == nil || b.inFlight.uniqueID != uniqueID {
		return
	}
	call := b.inFlight
	b.inFlight = nil
	b.cp.timers.Remove(ID(timerCall, 0))
	metrics.CallDuration.WithLabelValues(string(call.action)).Observe(time.Since(call.sentAt).Seconds())
	metrics.CallErrors.WithLabelValues(string(call.action), string(code)).Inc()
	if call.onError != nil {
		call.onError(code, description)
	}
	b.dispatch()
}

// OnCallTimeout fires when the Call timer elapses with no response.
func (b *broker) OnCallTimeout() {
	b.drainFailure()
}

// OnOffline fires on a websocket disconnect transition.
func (b *broker) OnOffline() {
	b.cp.timers.Remove(ID(timerCall, 0))
	b.drainFailure()
}

func (b *broker) drainFailure() {
	if call := b.inFlight; call != nil {
		b.inFlight = nil
		if call.onFailure != nil {
			call.onFailure()
		}
	}
	drained := b.pending
	b.pending = nil
	for _, call := range drained {
		if call.onFailure != nil {
			call.onFailure()
		}
	}
}

func (b *broker) maybeEmitSoftReset() {
	if b.idle() && b.cp.resetPending != nil && *b.cp.resetPending == ocpp.ResetTypeSoft {
		b.cp.onSoftResetReady()
	}
}
