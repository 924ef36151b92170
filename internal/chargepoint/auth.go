package chargepoint

import (
	"context"

	"github.com/ocpp16cp/chargepoint/internal/metrics"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
	"github.com/ocpp16cp/chargepoint/internal/persist"
)

type authResultKind int

const (
	authResultAuthorized authResultKind = iota
	authResultSendAuthorize
	authResultNotAuthorized
)

type authResult struct {
	kind   authResultKind
	idTag  string
	parent *string
}

// resolveAuthorization runs the five-step authorization procedure (C7) for
// an idTag presented at connectorID.
func (cp *ChargePoint) resolveAuthorization(idTag string, connectorID int) authResult {
	if cp.pendingAuthorize[connectorID] {
		return authResult{kind: authResultNotAuthorized, idTag: idTag}
	}

	c := cp.connectors[connectorID]
	switch c.kind {
	case connTransaction:
		if idTag == c.txIDTag {
			return authResult{kind: authResultAuthorized, idTag: idTag}
		}
	case connFinishing, connUnavailable, connFaulty:
		return authResult{kind: authResultNotAuthorized, idTag: idTag}
	}

	info, found := cp.lookupIdTagInfo(idTag)
	now := cp.now()
	var parent *string
	if found && info.IsValid(now) {
		parent = info.ParentIdTag
		if parent == nil {
			self := idTag
			parent = &self
		}
	}

	inTransaction := c.kind == connTransaction
	if !inTransaction {
		switch {
		case !cp.online && !cp.registry.LocalAuthorizeOffline():
			parent = nil
		case cp.online && !cp.registry.LocalPreAuthorize():
			parent = nil
		case parent == nil && !cp.online && cp.registry.AllowOfflineTxForUnknownId():
			empty := ""
			parent = &empty
		}
	}

	if parent != nil {
		return authResult{kind: authResultAuthorized, idTag: idTag, parent: parent}
	}
	if cp.online {
		return authResult{kind: authResultSendAuthorize, idTag: idTag}
	}
	return authResult{kind: authResultNotAuthorized, idTag: idTag}
}

// lookupIdTagInfo resolves an IdTagInfo from the local list (if enabled)
// and otherwise the authorization cache (if enabled), bumping cache
// recency on a read hit.
func (cp *ChargePoint) lookupIdTagInfo(idTag string) (ocpp.IdTagInfo, bool) {
	if cp.registry.LocalAuthListEnabled() {
		ctx := context.Background()
		entries, err := cp.store.GetLocalListEntries(ctx)
		if err == nil {
			if e, ok := entries[idTag]; ok && e.IdTagInfo != nil {
				return *e.IdTagInfo, true
			}
		}
	}
	if cp.registry.AuthorizationCacheEnabled() {
		if info, ok := cp.authCache.Get(idTag); ok {
			return info, true
		}
	}
	return ocpp.IdTagInfo{}, false
}

// recordAuthResult applies the cache-mutation rules (C7) after an
// Authorize/StartTransaction/StopTransaction response carries a fresh
// IdTagInfo for idTag.
func (cp *ChargePoint) recordAuthResult(ctx context.Context, idTag string, info ocpp.IdTagInfo) {
	if !cp.registry.AuthorizationCacheEnabled() {
		return
	}
	if cp.registry.LocalAuthListEnabled() {
		entries, err := cp.store.GetLocalListEntries(ctx)
		if err == nil {
			if _, ok := entries[idTag]; ok {
				return
			}
		}
	}
	cp.authCache.Put(idTag, info)
	metrics.AuthCacheSize.Set(float64(cp.authCache.Len()))
	_ = cp.store.PutCacheEntry(ctx, idTag, persist.CacheEntry{Info: info, UpdatedAt: cp.now().Format("2006-01-02T15:04:05Z07:00")})
}
