package chargepoint

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
	"github.com/ocpp16cp/chargepoint/internal/persist"
)

// dispatchError is a CallError reply synthesized by the dispatcher instead
// of a normal response payload.
type dispatchError struct {
	Code        ocpp.ProtocolErrorCode
	Description string
}

func (e *dispatchError) Error() string { return string(e.Code) + ": " + e.Description }

func rejected(code ocpp.ProtocolErrorCode, description string) (interface{}, error) {
	return nil, &dispatchError{Code: code, Description: description}
}

// registrationGated reports whether action requires an Accepted
// registration before the charge point will act on it.
func registrationGated(action ocpp.Action) bool {
	switch action {
	case ocpp.ActionRemoteStartTransaction, ocpp.ActionRemoteStopTransaction, ocpp.ActionTriggerMessage:
		return false
	}
	return true
}

// HandleIncomingCall routes one inbound Call to its handler, implementing
// the registration gate and the common failure replies of C11.
func (cp *ChargePoint) HandleIncomingCall(action ocpp.Action, raw json.RawMessage) (interface{}, error) {
	if cp.registrationStatus != ocpp.RegistrationStatusAccepted && registrationGated(action) {
		return rejected(ocpp.ErrSecurityError, "charge point not registered")
	}

	payload := ocpp.NewRequestPayload(action)
	if payload == nil {
		switch action {
		case ocpp.ActionSetChargingProfile, ocpp.ActionClearChargingProfile, ocpp.ActionGetCompositeSchedule:
			return rejected(ocpp.ErrNotImplemented, "smart charging is not implemented")
		}
		return rejected(ocpp.ErrNotSupported, "unknown action "+string(action))
	}
	if err := ocpp.DecodePayload(raw, payload); err != nil {
		return rejected(ocpp.ErrFormationViolation, "invalid payload: "+err.Error())
	}
	if err := cp.validator.ValidateStruct(payload); err != nil {
		return rejected(ocpp.ErrPropertyConstraintViolation, err.Error())
	}

	switch action {
	case ocpp.ActionChangeAvailability:
		return cp.onChangeAvailability(payload.(*ocpp.ChangeAvailabilityRequest))
	case ocpp.ActionChangeConfiguration:
		return cp.onChangeConfiguration(payload.(*ocpp.ChangeConfigurationRequest))
	case ocpp.ActionGetConfiguration:
		return cp.onGetConfiguration(payload.(*ocpp.GetConfigurationRequest))
	case ocpp.ActionClearCache:
		return cp.onClearCache()
	case ocpp.ActionSendLocalList:
		return cp.onSendLocalList(payload.(*ocpp.SendLocalListRequest))
	case ocpp.ActionGetLocalListVersion:
		return cp.onGetLocalListVersion()
	case ocpp.ActionRemoteStartTransaction:
		return cp.onRemoteStartTransaction(payload.(*ocpp.RemoteStartTransactionRequest))
	case ocpp.ActionRemoteStopTransaction:
		return cp.onRemoteStopTransaction(payload.(*ocpp.RemoteStopTransactionRequest))
	case ocpp.ActionReserveNow:
		return cp.onReserveNow(payload.(*ocpp.ReserveNowRequest))
	case ocpp.ActionCancelReservation:
		return cp.onCancelReservation(payload.(*ocpp.CancelReservationRequest))
	case ocpp.ActionReset:
		return cp.onReset(payload.(*ocpp.ResetRequest))
	case ocpp.ActionTriggerMessage:
		return cp.onTriggerMessage(payload.(*ocpp.TriggerMessageRequest))
	case ocpp.ActionUnlockConnector:
		return &ocpp.UnlockConnectorResponse{Status: ocpp.UnlockStatusNotSupported}, nil
	case ocpp.ActionUpdateFirmware:
		cp.handleUpdateFirmware(payload.(*ocpp.UpdateFirmwareRequest))
		return &ocpp.UpdateFirmwareResponse{}, nil
	case ocpp.ActionGetDiagnostics:
		name := cp.handleGetDiagnostics(payload.(*ocpp.GetDiagnosticsRequest))
		return &ocpp.GetDiagnosticsResponse{FileName: name}, nil
	case ocpp.ActionDataTransfer:
		return &ocpp.DataTransferResponse{Status: ocpp.DataTransferStatusRejected}, nil
	}
	return rejected(ocpp.ErrNotSupported, "unknown action "+string(action))
}

func (cp *ChargePoint) onChangeAvailability(req *ocpp.ChangeAvailabilityRequest) (interface{}, error) {
	if req.ConnectorId != 0 {
		if _, ok := cp.connectors[req.ConnectorId]; !ok {
			return rejected(ocpp.ErrPropertyConstraintViolation, "unknown connector")
		}
	}
	ids := cp.targetConnectorIDs(req.ConnectorId)
	status := ocpp.AvailabilityStatusAccepted
	for _, id := range ids {
		c := cp.connectors[id]
		_ = cp.store.SetAvailability(context.Background(), id, string(req.Type))
		if req.Type == ocpp.AvailabilityTypeInoperative {
			if c.kind == connTransaction {
				c.pendingInoperative = true
				status = ocpp.AvailabilityStatusScheduled
				continue
			}
			c.priorKind = c.kind
			c.kind = connUnavailable
		} else {
			if c.kind == connUnavailable {
				c.kind = connIdle
			}
			c.pendingInoperative = false
		}
		cp.recomputeStatus(c)
	}
	return &ocpp.ChangeAvailabilityResponse{Status: status}, nil
}

func (cp *ChargePoint) targetConnectorIDs(connectorID int) []int {
	if connectorID != 0 {
		return []int{connectorID}
	}
	ids := make([]int, 0, len(cp.connectors))
	for id := range cp.connectors {
		ids = append(ids, id)
	}
	return ids
}

func (cp *ChargePoint) onChangeConfiguration(req *ocpp.ChangeConfigurationRequest) (interface{}, error) {
	status := cp.registry.ChangeConfiguration(req.Key, req.Value)
	wire := ocpp.ConfigurationStatusRejected
	switch status {
	case ConfigAccepted:
		wire = ocpp.ConfigurationStatusAccepted
	case ConfigRebootRequired:
		wire = ocpp.ConfigurationStatusRebootRequired
	case ConfigNotSupported:
		wire = ocpp.ConfigurationStatusNotSupported
	}
	if status == ConfigAccepted || status == ConfigRebootRequired {
		_ = cp.store.SetConfigRaw(context.Background(), req.Key, req.Value)
	}
	return &ocpp.ChangeConfigurationResponse{Status: wire}, nil
}

func (cp *ChargePoint) onGetConfiguration(req *ocpp.GetConfigurationRequest) (interface{}, error) {
	maxKeys := int(cp.registry.GetConfigurationMaxKeys())
	if len(req.Key) > maxKeys {
		return rejected(ocpp.ErrOccurrenceConstraintViolation, "too many keys requested")
	}
	found, unknown := cp.registry.GetConfiguration(req.Key)
	return &ocpp.GetConfigurationResponse{ConfigurationKey: found, UnknownKey: unknown}, nil
}

func (cp *ChargePoint) onClearCache() (interface{}, error) {
	if !cp.registry.AuthorizationCacheEnabled() {
		return &ocpp.ClearCacheResponse{Status: ocpp.ClearCacheStatusRejected}, nil
	}
	cp.authCache.Clear()
	_ = cp.store.ClearCache(context.Background())
	return &ocpp.ClearCacheResponse{Status: ocpp.ClearCacheStatusAccepted}, nil
}

func (cp *ChargePoint) onSendLocalList(req *ocpp.SendLocalListRequest) (interface{}, error) {
	if !cp.registry.LocalAuthListEnabled() {
		return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusNotSupported}, nil
	}
	ctx := context.Background()
	maxLen := int(cp.registry.SendLocalListMaxLength())
	if len(req.LocalAuthorizationList) > maxLen {
		return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusFailed}, nil
	}
	seen := make(map[string]bool, len(req.LocalAuthorizationList))
	for _, e := range req.LocalAuthorizationList {
		if seen[e.IdTag] {
			return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusFailed}, nil
		}
		seen[e.IdTag] = true
	}

	current, err := cp.store.GetLocalListEntries(ctx)
	if err != nil {
		return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusFailed}, nil
	}
	currentVersion, _ := cp.store.GetLocalListVersion(ctx)

	switch req.UpdateType {
	case ocpp.UpdateTypeFull:
		for _, e := range req.LocalAuthorizationList {
			if e.IdTagInfo == nil {
				return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusFailed}, nil
			}
		}
		next := make(map[string]persist.LocalListEntry, len(req.LocalAuthorizationList))
		for _, e := range req.LocalAuthorizationList {
			next[e.IdTag] = persist.LocalListEntry{IdTag: e.IdTag, IdTagInfo: e.IdTagInfo}
			cp.authCache.Remove(e.IdTag)
		}
		return cp.commitLocalList(ctx, req.ListVersion, next)
	case ocpp.UpdateTypeDifferential:
		if req.ListVersion <= currentVersion {
			return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusVersionMismatch}, nil
		}
		next := make(map[string]persist.LocalListEntry, len(current))
		for tag, e := range current {
			next[tag] = e
		}
		for _, e := range req.LocalAuthorizationList {
			if e.IdTagInfo == nil {
				delete(next, e.IdTag)
				continue
			}
			next[e.IdTag] = persist.LocalListEntry{IdTag: e.IdTag, IdTagInfo: e.IdTagInfo}
			cp.authCache.Remove(e.IdTag)
		}
		if len(next) > int(cp.registry.LocalAuthListMaxLength()) {
			return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusFailed}, nil
		}
		return cp.commitLocalList(ctx, req.ListVersion, next)
	}
	return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusNotSupported}, nil
}

func (cp *ChargePoint) commitLocalList(ctx context.Context, version int, entries map[string]persist.LocalListEntry) (interface{}, error) {
	if len(entries) == 0 {
		version = 0
	}
	if err := cp.store.ReplaceLocalList(ctx, version, entries); err != nil {
		return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusFailed}, nil
	}
	return &ocpp.SendLocalListResponse{Status: ocpp.UpdateStatusAccepted}, nil
}

func (cp *ChargePoint) onGetLocalListVersion() (interface{}, error) {
	version, err := cp.store.GetLocalListVersion(context.Background())
	if err != nil {
		version = 0
	}
	return &ocpp.GetLocalListVersionResponse{ListVersion: version}, nil
}

func (cp *ChargePoint) onRemoteStartTransaction(req *ocpp.RemoteStartTransactionRequest) (interface{}, error) {
	if req.ConnectorId != nil && *req.ConnectorId == 0 {
		return &ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopStatusRejected}, nil
	}
	c := cp.findRemoteStartTarget(req)
	if c == nil {
		return &ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopStatusRejected}, nil
	}
	if cp.registry.AuthorizeRemoteTxRequests() {
		cp.onIdTag(c, req.IdTag)
	} else if c.kind == connPlugged {
		cp.startTransactionOn(c, req.IdTag, nil)
	} else if c.kind == connIdle {
		c.kind = connAuthorized
		c.authorizedTag = req.IdTag
		cp.recomputeStatus(c)
	}
	return &ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopStatusAccepted}, nil
}

func (cp *ChargePoint) findRemoteStartTarget(req *ocpp.RemoteStartTransactionRequest) *connector {
	if req.ConnectorId != nil {
		return cp.connectors[*req.ConnectorId]
	}
	for _, rec := range cp.reservations {
		if rec.idTag == req.IdTag {
			return cp.connectors[rec.connectorID]
		}
	}
	for _, c := range cp.connectors {
		if c.kind == connPlugged {
			return c
		}
	}
	for _, c := range cp.connectors {
		if c.kind == connIdle {
			return c
		}
	}
	return nil
}

func (cp *ChargePoint) onRemoteStopTransaction(req *ocpp.RemoteStopTransactionRequest) (interface{}, error) {
	target := strconv.Itoa(req.TransactionId)
	for _, c := range cp.connectors {
		if c.kind == connTransaction && cp.tx.localToServer[c.localTxID] == target {
			cp.stopTransactionOn(c, ocpp.ReasonRemote, nil)
			return &ocpp.RemoteStopTransactionResponse{Status: ocpp.RemoteStartStopStatusAccepted}, nil
		}
	}
	return &ocpp.RemoteStopTransactionResponse{Status: ocpp.RemoteStartStopStatusRejected}, nil
}

func (cp *ChargePoint) onReserveNow(req *ocpp.ReserveNowRequest) (interface{}, error) {
	if req.ConnectorId < 0 || (req.ConnectorId != 0 && cp.connectors[req.ConnectorId] == nil) {
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusRejected}, nil
	}
	if !req.ExpiryDate.Time.After(cp.now()) {
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusRejected}, nil
	}
	id := strconv.Itoa(req.ReservationId)
	if rec, ok := cp.reservations[id]; ok {
		rec.idTag = req.IdTag
		rec.parentIdTag = req.ParentIdTag
		rec.expiry = req.ExpiryDate.Time
		cp.reservations[id] = rec
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusAccepted}, nil
	}
	c := cp.connectors[req.ConnectorId]
	if c == nil {
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusRejected}, nil
	}
	switch c.kind {
	case connIdle:
		c.kind = connReserved
		c.reservationID = id
		c.reservedIdTag = req.IdTag
		c.reservedParent = req.ParentIdTag
	case connReserved:
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusOccupied}, nil
	case connUnavailable:
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusUnavailable}, nil
	case connFaulty:
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusFaulted}, nil
	default:
		return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusOccupied}, nil
	}
	cp.reservations[id] = reservationRecord{connectorID: c.id, idTag: req.IdTag, parentIdTag: req.ParentIdTag, expiry: req.ExpiryDate.Time}
	_ = cp.store.PutReservation(context.Background(), id, req.IdTag)
	cp.timers.AddOrUpdate(ID(timerReservation, c.id), req.ExpiryDate.Time.Sub(cp.now()))
	cp.recomputeStatus(c)
	return &ocpp.ReserveNowResponse{Status: ocpp.ReservationStatusAccepted}, nil
}

func (cp *ChargePoint) onCancelReservation(req *ocpp.CancelReservationRequest) (interface{}, error) {
	id := strconv.Itoa(req.ReservationId)
	rec, ok := cp.reservations[id]
	if !ok {
		return &ocpp.CancelReservationResponse{Status: ocpp.CancelReservationStatusRejected}, nil
	}
	c := cp.connectors[rec.connectorID]
	cp.removeReservation(id)
	if c != nil && c.kind == connReserved {
		if c.secc == seccPlugged {
			c.kind = connPlugged
		} else {
			c.kind = connIdle
		}
		cp.recomputeStatus(c)
	}
	return &ocpp.CancelReservationResponse{Status: ocpp.CancelReservationStatusAccepted}, nil
}

func (cp *ChargePoint) OnReservationTimer(connectorID int) {
	for id, rec := range cp.reservations {
		if rec.connectorID == connectorID {
			cp.removeReservation(id)
			break
		}
	}
	if c := cp.connectors[connectorID]; c != nil && c.kind == connReserved {
		if c.secc == seccPlugged {
			c.kind = connPlugged
		} else {
			c.kind = connIdle
		}
		cp.recomputeStatus(c)
	}
}

func (cp *ChargePoint) onReset(req *ocpp.ResetRequest) (interface{}, error) {
	for _, c := range cp.connectors {
		if c.kind != connTransaction {
			continue
		}
		reason := ocpp.ReasonSoftReset
		if req.Type == ocpp.ResetTypeHard {
			reason = ocpp.ReasonHardReset
		}
		cp.stopTransactionOn(c, reason, nil)
	}
	t := req.Type
	cp.resetPending = &t
	if t == ocpp.ResetTypeHard {
		_ = cp.hw.HardReset(context.Background())
	} else {
		cp.broker.maybeEmitSoftReset()
	}
	return &ocpp.ResetResponse{Status: ocpp.ResetStatusAccepted}, nil
}

func (cp *ChargePoint) onTriggerMessage(req *ocpp.TriggerMessageRequest) (interface{}, error) {
	switch req.RequestedMessage {
	case ocpp.MessageTriggerStatusNotification:
		if req.ConnectorId != nil {
			if c, ok := cp.connectors[*req.ConnectorId]; ok {
				status := c.derivedStatus(cp.firmwareBlocksAvailability(c.id))
				cp.sendStatusNotification(c.id, status)
			}
		}
	case ocpp.MessageTriggerHeartbeat:
		cp.OnHeartbeatTimer()
	case ocpp.MessageTriggerMeterValues:
		if cp.registrationStatus == ocpp.RegistrationStatusPending {
			return &ocpp.TriggerMessageResponse{Status: ocpp.TriggerMessageStatusRejected}, nil
		}
		if req.ConnectorId != nil {
			cp.sampleMeter(*req.ConnectorId, cp.registry.MeterValuesSampledData(), ocpp.ReadingContextTrigger, nil)
		}
	case ocpp.MessageTriggerDiagnosticsStatusNotification:
		cp.emitDiagnosticsStatus(ocpp.DiagnosticsStatusIdle)
	case ocpp.MessageTriggerFirmwareStatusNotification:
		cp.emitFirmwareStatus(ocpp.FirmwareStatusIdle)
	case ocpp.MessageTriggerBootNotification:
		cp.sendBootNotification()
	default:
		return &ocpp.TriggerMessageResponse{Status: ocpp.TriggerMessageStatusNotImplemented}, nil
	}
	return &ocpp.TriggerMessageResponse{Status: ocpp.TriggerMessageStatusAccepted}, nil
}
