package chargepoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
	"github.com/ocpp16cp/chargepoint/internal/persist"
)

func TestResolveAuthorization_PendingGate(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.pendingAuthorize[1] = true

	got := cp.resolveAuthorization("TAG1", 1)
	assert.Equal(t, authResultNotAuthorized, got.kind)
}

func TestResolveAuthorization_AlreadyInTransactionSameTag(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	c := cp.connectors[1]
	c.kind = connTransaction
	c.txIDTag = "TAG1"

	got := cp.resolveAuthorization("TAG1", 1)
	assert.Equal(t, authResultAuthorized, got.kind)
}

func TestResolveAuthorization_TerminalConnectorStatesReject(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	for _, kind := range []connectorKind{connFinishing, connUnavailable, connFaulty} {
		cp.connectors[1].kind = kind
		got := cp.resolveAuthorization("TAG1", 1)
		assert.Equal(t, authResultNotAuthorized, got.kind, "kind=%v", kind)
	}
}

func TestResolveAuthorization_UnknownTag_Online_SendsAuthorize(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = true

	got := cp.resolveAuthorization("UNKNOWN", 1)
	assert.Equal(t, authResultSendAuthorize, got.kind)
}

func TestResolveAuthorization_UnknownTag_Offline_AllowsWhenConfigured(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = false
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyAllowOfflineTxForUnknownId, "true"))

	got := cp.resolveAuthorization("UNKNOWN", 1)
	assert.Equal(t, authResultAuthorized, got.kind)
	require.NotNil(t, got.parent)
	assert.Equal(t, "", *got.parent)
}

func TestResolveAuthorization_UnknownTag_Offline_RejectsByDefault(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = false

	got := cp.resolveAuthorization("UNKNOWN", 1)
	assert.Equal(t, authResultNotAuthorized, got.kind)
}

func TestResolveAuthorization_CachedValid_OnlinePreAuthorize(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = true
	cp.authCache.Put("TAG1", ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted})
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyLocalPreAuthorize, "true"))

	got := cp.resolveAuthorization("TAG1", 1)
	assert.Equal(t, authResultAuthorized, got.kind)
	require.NotNil(t, got.parent)
	assert.Equal(t, "TAG1", *got.parent, "a cached entry with no ParentIdTag authorizes against itself")
}

func TestResolveAuthorization_CachedValid_OnlineNoPreAuthorize_SendsAuthorize(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = true
	cp.authCache.Put("TAG1", ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted})
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyLocalPreAuthorize, "false"))

	got := cp.resolveAuthorization("TAG1", 1)
	assert.Equal(t, authResultSendAuthorize, got.kind)
}

func TestResolveAuthorization_CachedValid_OfflineAuthorizeOffline(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = false
	cp.authCache.Put("TAG1", ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted})
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyLocalAuthorizeOffline, "true"))

	got := cp.resolveAuthorization("TAG1", 1)
	assert.Equal(t, authResultAuthorized, got.kind)
}

func TestResolveAuthorization_CachedInvalid_NotAuthorized(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	cp.online = false
	cp.authCache.Put("TAG1", ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusBlocked})
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyLocalAuthorizeOffline, "true"))

	got := cp.resolveAuthorization("TAG1", 1)
	assert.Equal(t, authResultNotAuthorized, got.kind)
}

func TestRecordAuthResult_SkipsWhenPresentOnLocalList(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	ctx := context.Background()
	require.NoError(t, cp.store.ReplaceLocalList(ctx, 1, map[string]persist.LocalListEntry{
		"TAG1": {IdTag: "TAG1"},
	}))

	cp.recordAuthResult(ctx, "TAG1", ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted})
	_, found := cp.authCache.Get("TAG1")
	assert.False(t, found, "an idTag present on the local list must not also be cached")
}

func TestRecordAuthResult_CachesWhenCacheEnabledAndNotOnLocalList(t *testing.T) {
	cp, _, _ := newTestChargePoint(t, 1)
	ctx := context.Background()
	require.Equal(t, ConfigAccepted, cp.registry.ChangeConfiguration(KeyAuthorizationCacheEnabled, "true"))

	cp.recordAuthResult(ctx, "TAG1", ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted})
	info, found := cp.authCache.Get("TAG1")
	assert.True(t, found)
	assert.Equal(t, ocpp.AuthorizationStatusAccepted, info.Status)
}
