package chargepoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

func TestBroker_OneInFlight(t *testing.T) {
	cp, ws, _ := newTestChargePoint(t, 1)
	cp.online = true

	var firstResult, secondResult []byte
	id1 := cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{},
		func(payload []byte) { firstResult = payload }, nil, nil)
	id2 := cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{},
		func(payload []byte) { secondResult = payload }, nil, nil)

	require.NotEmpty(t, id1)
	require.NotEmpty(t, id2)
	assert.Equal(t, 1, ws.sentCount(), "only the first call may be in flight")
	assert.False(t, cp.broker.idle())

	cp.broker.OnResult(id1, []byte(`{}`))
	assert.Equal(t, []byte(`{}`), firstResult)
	assert.Equal(t, 2, ws.sentCount(), "second call dispatches once the first resolves")
	assert.False(t, cp.broker.idle())

	cp.broker.OnResult(id2, []byte(`{}`))
	assert.Equal(t, []byte(`{}`), secondResult)
	assert.True(t, cp.broker.idle())
}

func TestBroker_OnResult_IgnoresStaleUniqueID(t *testing.T) {
	cp, ws, _ := newTestChargePoint(t, 1)
	cp.online = true

	called := false
	id := cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{}, func([]byte) { called = true }, nil, nil)
	require.NotEmpty(t, id)

	cp.broker.OnResult("not-the-real-id", []byte(`{}`))
	assert.False(t, called, "a result for an unmatched uniqueId must be ignored")
	assert.False(t, cp.broker.idle(), "the real in-flight call is still outstanding")
	assert.Equal(t, 1, ws.sentCount())
}

func TestBroker_OfflineGatesDispatch(t *testing.T) {
	cp, ws, _ := newTestChargePoint(t, 1)
	// cp.online defaults false.

	failed := false
	cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{}, nil, nil, func() { failed = true })

	assert.Equal(t, 0, ws.sentCount(), "offline must not dispatch")
	assert.False(t, failed, "queued, not yet failed, while offline")

	cp.broker.OnOffline()
	assert.True(t, failed, "OnOffline drains the pending queue as failures")
}

func TestBroker_OnOffline_DrainsInFlightAndPending(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = true

	var inFlightFailed, pendingFailed bool
	cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{}, nil, nil, func() { inFlightFailed = true })
	cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{}, nil, nil, func() { pendingFailed = true })

	assert.False(t, cp.broker.idle())

	cp.broker.OnOffline()

	assert.True(t, inFlightFailed)
	assert.True(t, pendingFailed)
	assert.True(t, cp.broker.idle())
}

func TestBroker_HardResetPendingBlocksDispatch(t *testing.T) {
	cp, ws, _ := newTestChargePoint(t, 1)
	cp.online = true
	hard := ocpp.ResetTypeHard
	cp.resetPending = &hard

	cp.broker.Enqueue(ocpp.ActionHeartbeat, struct{}{}, nil, nil, nil)
	assert.Equal(t, 0, ws.sentCount(), "a pending hard reset gates all outbound dispatch")
}

func TestBroker_CallTimeoutFallsBackToDefault(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	assert.Equal(t, defaultCallTimeout, cp.broker.callTimeout())

	cp.callTimeout = 0
	assert.Equal(t, defaultCallTimeout, cp.broker.callTimeout())
}
