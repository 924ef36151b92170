package chargepoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
	"github.com/ocpp16cp/chargepoint/internal/simdriver"
)

// bootChargePointOverKV builds and initializes a ChargePoint against an
// existing fakeKV, simulating a process restart that reuses the same
// durable store.
func bootChargePointOverKV(t *testing.T, kv *fakeKV, numConnectors int) (*ChargePoint, *fakeWs) {
	t.Helper()
	ws := newFakeWs()
	hw := simdriver.NewHardware(numConnectors, 0)
	fw := simdriver.NewFirmware()
	diag := simdriver.NewDiagnostics()
	registry := NewRegistry(numConnectors)
	identity := Identity{ChargePointID: "CP-TEST", ChargePointVendor: "ocpp16cp", ChargePointModel: "sim"}
	cp := New(identity, registry, kv, ws, hw, fw, diag, testLogger(), Options{})
	require.NoError(t, cp.Init(context.Background(), false))
	return cp, ws
}

func TestTransactionPipeline_RecoversUnterminatedTransactionAsPowerLoss(t *testing.T) {
	kv := newFakeKV()
	cp1, _ := bootChargePointOverKV(t, kv, 1)

	// Offline: EnqueueStart only persists the Start event; process() is a
	// no-op while offline, so nothing is ever sent or acknowledged before
	// the simulated crash/restart below.
	cp1.online = false
	localTx := cp1.tx.EnqueueStart(1, "TAG1", 0, nil)
	assert.Equal(t, int64(1), localTx)

	cp2, _ := bootChargePointOverKV(t, kv, 1)

	assert.Equal(t, int64(2), cp2.tx.tail, "recovery appends a synthetic Stop after the orphaned Start")
	stopEv, ok := cp2.tx.events[1]
	require.True(t, ok)
	assert.Equal(t, txEventStop, stopEv.Kind)
	assert.Equal(t, localTx, stopEv.LocalTx)
	require.NotNil(t, stopEv.Reason)
	assert.Equal(t, ocpp.ReasonPowerLoss, *stopEv.Reason)

	startEv, ok := cp2.tx.events[0]
	require.True(t, ok)
	assert.Equal(t, txEventStart, startEv.Kind)
}

func TestTransactionPipeline_NoSyntheticStopWhenAlreadyTerminated(t *testing.T) {
	kv := newFakeKV()
	cp1, _ := bootChargePointOverKV(t, kv, 1)

	cp1.online = false
	localTx := cp1.tx.EnqueueStart(1, "TAG1", 0, nil)
	reason := ocpp.ReasonLocal
	cp1.tx.EnqueueStop(localTx, nil, 100, &reason)

	cp2, _ := bootChargePointOverKV(t, kv, 1)

	assert.Equal(t, cp1.tx.tail, cp2.tx.tail, "a transaction that already has a Stop event is not re-terminated")
}

func TestTransactionPipeline_ProcessNoopWhileOffline(t *testing.T) {
	cp, ws, _ := newTestChargePoint(t, 1)
	cp.online = false

	cp.tx.EnqueueStart(1, "TAG1", 0, nil)
	assert.Equal(t, 0, ws.sentCount(), "the pipeline must not dispatch StartTransaction while offline")
}

func TestTransactionPipeline_MeterEventWaitsBehindUnacknowledgedStart(t *testing.T) {
	cp, ws, _ := newTestChargePoint(t, 1)
	cp.online = false
	localTx := cp.tx.EnqueueStart(1, "TAG1", 0, nil)
	cp.tx.EnqueueMeter(1, &localTx, nil)

	// Neither event has a server transaction id yet; going online drives
	// the Start attempt but nothing is acknowledged by the fake transport,
	// so the pipeline just re-attempts the head (Start) and the queued
	// Meter event stays behind it rather than being dropped prematurely.
	cp.online = true
	cp.tx.process()
	assert.Equal(t, 1, ws.sentCount(), "only the head (Start) event may be in flight")
}

func TestTransactionPipeline_ScheduleRetryGivesUpAfterMaxAttempts(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyTransactionMessageAttempts, "2"))
	cp.online = false
	cp.tx.EnqueueStart(1, "TAG1", 0, nil)
	head := cp.tx.head

	cp.tx.scheduleRetry()
	assert.Equal(t, head, cp.tx.head, "first retry does not yet exceed TransactionMessageAttempts")

	cp.tx.scheduleRetry()
	assert.Equal(t, head+1, cp.tx.head, "exceeding TransactionMessageAttempts drops the head event")
}
