package chargepoint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// configSlot is one entry of the configuration registry (C13): a typed
// parser/formatter pair plus read/write/reboot metadata, mirroring the
// generic OcppConfig<T> pattern. Parsed is kept as interface{} since Go has
// no natural single type spanning bool/uint64/string/measurand-list; each
// accessor on Registry type-asserts its own key.
type configSlot struct {
	raw            string
	parsed         interface{}
	readable       bool
	writable       bool
	rebootRequired bool
	parse          func(string) (interface{}, error)
	format         func(interface{}) string
	validate       func(interface{}) bool
}

// Registry is the fixed, enumerated set of canonical OCPP 1.6 configuration
// keys (C13). Writes to a reboot_required key persist raw but leave parsed
// untouched until ApplyPendingReboot is called.
type Registry struct {
	slots   map[string]*configSlot
	pending map[string]string // reboot-required writes awaiting ApplyPendingReboot
}

func boolParser(s string) (interface{}, error) {
	v, err := strconv.ParseBool(s)
	return v, err
}
func boolFormatter(v interface{}) string { return strconv.FormatBool(v.(bool)) }

func u64Parser(s string) (interface{}, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err
}
func u64Formatter(v interface{}) string { return strconv.FormatUint(v.(uint64), 10) }

func stringParser(s string) (interface{}, error) { return s, nil }
func stringFormatter(v interface{}) string       { return v.(string) }

// measurandList parses/formats the comma-separated Measurand[.Phase] list
// format (§4.12): a token is measurand.phase only if the suffix after the
// last '.' is a valid Phase, else the whole token is a bare Measurand.
type measurandToken struct {
	Measurand ocpp.Measurand
	Phase     ocpp.Phase
	HasPhase  bool
}

func parseMeasurandList(s string) (interface{}, error) {
	if strings.TrimSpace(s) == "" {
		return []measurandToken{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]measurandToken, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		idx := strings.LastIndex(p, ".")
		if idx >= 0 && isValidPhase(p[idx+1:]) {
			out = append(out, measurandToken{
				Measurand: ocpp.Measurand(p[:idx]),
				Phase:     ocpp.Phase(p[idx+1:]),
				HasPhase:  true,
			})
		} else {
			out = append(out, measurandToken{Measurand: ocpp.Measurand(p)})
		}
	}
	return out, nil
}

func formatMeasurandList(v interface{}) string {
	tokens := v.([]measurandToken)
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.HasPhase {
			parts = append(parts, string(t.Measurand)+"."+string(t.Phase))
		} else {
			parts = append(parts, string(t.Measurand))
		}
	}
	return strings.Join(parts, ",")
}

func isValidPhase(s string) bool {
	switch ocpp.Phase(s) {
	case ocpp.PhaseL1, ocpp.PhaseL2, ocpp.PhaseL3, ocpp.PhaseN,
		ocpp.PhaseL1N, ocpp.PhaseL2N, ocpp.PhaseL3N,
		ocpp.PhaseL1L2, ocpp.PhaseL2L3, ocpp.PhaseL3L1:
		return true
	default:
		return false
	}
}

// Canonical configuration keys (§4.12).
const (
	KeyHeartbeatInterval                  = "HeartbeatInterval"
	KeyMinimumStatusDuration               = "MinimumStatusDuration"
	KeyAuthorizationCacheEnabled           = "AuthorizationCacheEnabled"
	KeyLocalAuthListEnabled                = "LocalAuthListEnabled"
	KeyLocalAuthListMaxLength              = "LocalAuthListMaxLength"
	KeySendLocalListMaxLength              = "SendLocalListMaxLength"
	KeyAllowOfflineTxForUnknownId          = "AllowOfflineTxForUnknownId"
	KeyLocalAuthorizeOffline               = "LocalAuthorizeOffline"
	KeyLocalPreAuthorize                   = "LocalPreAuthorize"
	KeyNumberOfConnectors                  = "NumberOfConnectors"
	KeyConnectionTimeOut                   = "ConnectionTimeOut"
	KeyStopTransactionOnEVSideDisconnect   = "StopTransactionOnEVSideDisconnect"
	KeyMeterValueSampleInterval            = "MeterValueSampleInterval"
	KeyClockAlignedDataInterval            = "ClockAlignedDataInterval"
	KeyMeterValuesSampledData              = "MeterValuesSampledData"
	KeyStopTxnSampledData                  = "StopTxnSampledData"
	KeyMeterValuesAlignedData              = "MeterValuesAlignedData"
	KeyStopTxnAlignedData                  = "StopTxnAlignedData"
	KeyMeterValuesSampledDataMaxLength     = "MeterValuesSampledDataMaxLength"
	KeyStopTxnSampledDataMaxLength         = "StopTxnSampledDataMaxLength"
	KeyMeterValuesAlignedDataMaxLength     = "MeterValuesAlignedDataMaxLength"
	KeyStopTxnAlignedDataMaxLength         = "StopTxnAlignedDataMaxLength"
	KeyStopTransactionOnInvalidId          = "StopTransactionOnInvalidId"
	KeyTransactionMessageAttempts          = "TransactionMessageAttempts"
	KeyTransactionMessageRetryInterval     = "TransactionMessageRetryInterval"
	KeyAuthorizeRemoteTxRequests           = "AuthorizeRemoteTxRequests"
	KeyConnectorPhaseRotation              = "ConnectorPhaseRotation"
	KeyResetRetries                        = "ResetRetries"
	KeyGetConfigurationMaxKeys             = "GetConfigurationMaxKeys"
	KeySupportedFeatureProfiles            = "SupportedFeatureProfiles"
	KeyUnlockConnectorOnEVSideDisconnect   = "UnlockConnectorOnEVSideDisconnect"
)

// NewRegistry builds the registry with its canonical keys and OCPP 1.6
// factory-default values, sized for numConnectors.
func NewRegistry(numConnectors int) *Registry {
	r := &Registry{slots: make(map[string]*configSlot), pending: make(map[string]string)}

	rw := func(key, def string, parse func(string) (interface{}, error), format func(interface{}) string) {
		r.define(key, def, true, true, false, parse, format, nil)
	}
	rwReboot := func(key, def string, parse func(string) (interface{}, error), format func(interface{}) string) {
		r.define(key, def, true, true, true, parse, format, nil)
	}
	ro := func(key, def string, parse func(string) (interface{}, error), format func(interface{}) string) {
		r.define(key, def, true, false, false, parse, format, nil)
	}

	rw(KeyHeartbeatInterval, "300", u64Parser, u64Formatter)
	rw(KeyMinimumStatusDuration, "0", u64Parser, u64Formatter)
	rw(KeyAuthorizationCacheEnabled, "true", boolParser, boolFormatter)
	rw(KeyLocalAuthListEnabled, "true", boolParser, boolFormatter)
	ro(KeyLocalAuthListMaxLength, "100", u64Parser, u64Formatter)
	ro(KeySendLocalListMaxLength, "100", u64Parser, u64Formatter)
	rw(KeyAllowOfflineTxForUnknownId, "false", boolParser, boolFormatter)
	rw(KeyLocalAuthorizeOffline, "true", boolParser, boolFormatter)
	rw(KeyLocalPreAuthorize, "false", boolParser, boolFormatter)
	ro(KeyNumberOfConnectors, strconv.Itoa(numConnectors), u64Parser, u64Formatter)
	rw(KeyConnectionTimeOut, "60", u64Parser, u64Formatter)
	rw(KeyStopTransactionOnEVSideDisconnect, "true", boolParser, boolFormatter)
	rw(KeyMeterValueSampleInterval, "60", u64Parser, u64Formatter)
	rwReboot(KeyClockAlignedDataInterval, "900", u64Parser, u64Formatter)
	rw(KeyMeterValuesSampledData, "Energy.Active.Import.Register", parseMeasurandList, formatMeasurandList)
	rw(KeyStopTxnSampledData, "", parseMeasurandList, formatMeasurandList)
	rw(KeyMeterValuesAlignedData, "Energy.Active.Import.Register", parseMeasurandList, formatMeasurandList)
	rw(KeyStopTxnAlignedData, "", parseMeasurandList, formatMeasurandList)
	ro(KeyMeterValuesSampledDataMaxLength, "1", u64Parser, u64Formatter)
	ro(KeyStopTxnSampledDataMaxLength, "1", u64Parser, u64Formatter)
	ro(KeyMeterValuesAlignedDataMaxLength, "1", u64Parser, u64Formatter)
	ro(KeyStopTxnAlignedDataMaxLength, "1", u64Parser, u64Formatter)
	rw(KeyStopTransactionOnInvalidId, "true", boolParser, boolFormatter)
	rw(KeyTransactionMessageAttempts, "3", u64Parser, u64Formatter)
	rw(KeyTransactionMessageRetryInterval, "60", u64Parser, u64Formatter)
	rw(KeyAuthorizeRemoteTxRequests, "false", boolParser, boolFormatter)
	rw(KeyConnectorPhaseRotation, "", stringParser, stringFormatter)
	rw(KeyResetRetries, "3", u64Parser, u64Formatter)
	ro(KeyGetConfigurationMaxKeys, "50", u64Parser, u64Formatter)
	ro(KeySupportedFeatureProfiles, "Core", stringParser, stringFormatter)
	ro(KeyUnlockConnectorOnEVSideDisconnect, "false", boolParser, boolFormatter)

	return r
}

func (r *Registry) define(key, defaultRaw string, readable, writable, rebootRequired bool,
	parse func(string) (interface{}, error), format func(interface{}) string, validate func(interface{}) bool) {
	parsed, err := parse(defaultRaw)
	if err != nil {
		panic(fmt.Sprintf("chargepoint: invalid factory default for %s: %v", key, err))
	}
	r.slots[key] = &configSlot{
		raw: defaultRaw, parsed: parsed, readable: readable, writable: writable,
		rebootRequired: rebootRequired, parse: parse, format: format, validate: validate,
	}
}

// Defaults returns the key->raw factory-default snapshot used by the
// persistence schema-migration gate.
func (r *Registry) Defaults() map[string]string {
	out := make(map[string]string, len(r.slots))
	for k, s := range r.slots {
		out[k] = s.raw
	}
	return out
}

// ApplyDefaultOverrides overlays host-provided factory-default overrides
// (ChargePointConfig.default_ocpp_configs) onto the registry's canonical
// defaults, before Defaults() is ever snapshotted for the persistence
// schema-migration gate. Unknown keys are ignored; a malformed value for
// a known key is rejected so one bad override in the bootstrap document
// can't poison the whole registry.
func (r *Registry) ApplyDefaultOverrides(overrides map[string]string) error {
	for k, v := range overrides {
		slot, ok := r.slots[k]
		if !ok {
			continue
		}
		parsed, err := slot.parse(v)
		if err != nil {
			return fmt.Errorf("default_ocpp_configs: invalid value for %s=%q: %w", k, v, err)
		}
		slot.raw = v
		slot.parsed = parsed
	}
	return nil
}

// LoadPersisted overlays persisted raw values (already schema-validated by
// the migration gate) onto the registry at boot.
func (r *Registry) LoadPersisted(raw map[string]string) error {
	for k, v := range raw {
		slot, ok := r.slots[k]
		if !ok {
			continue
		}
		parsed, err := slot.parse(v)
		if err != nil {
			return fmt.Errorf("load persisted config %s=%q: %w", k, v, err)
		}
		slot.raw = v
		slot.parsed = parsed
	}
	return nil
}

type ConfigChangeStatus int

const (
	ConfigAccepted ConfigChangeStatus = iota
	ConfigRejected
	ConfigRebootRequired
	ConfigNotSupported
)

// ChangeConfiguration implements the ChangeConfiguration.req contract
// (§4.10/§4.12): unknown key -> NotSupported; parse/validate failure ->
// Rejected; reboot_required key -> persists raw, leaves parsed untouched,
// returns RebootRequired; otherwise commits immediately.
func (r *Registry) ChangeConfiguration(key, value string) ConfigChangeStatus {
	slot, ok := r.slots[key]
	if !ok {
		return ConfigNotSupported
	}
	if !slot.writable {
		return ConfigRejected
	}
	parsed, err := slot.parse(value)
	if err != nil {
		return ConfigRejected
	}
	if slot.validate != nil && !slot.validate(parsed) {
		return ConfigRejected
	}
	slot.raw = value
	if slot.rebootRequired {
		r.pending[key] = value
		return ConfigRebootRequired
	}
	slot.parsed = parsed
	return ConfigAccepted
}

// ApplyPendingReboot commits every reboot-required write staged in pending
// by this process. Nothing in Init calls it; after a restart the raw value
// persisted by onChangeConfiguration is parsed by LoadPersisted instead.
func (r *Registry) ApplyPendingReboot() {
	for k, v := range r.pending {
		if slot, ok := r.slots[k]; ok {
			if parsed, err := slot.parse(v); err == nil {
				slot.parsed = parsed
			}
		}
	}
	r.pending = make(map[string]string)
}

// GetConfiguration returns (key, raw, read-only flag) for each requested
// readable key, or every readable key if keys is empty, plus any unknown keys.
func (r *Registry) GetConfiguration(keys []string) (found []ocpp.KeyValue, unknown []string) {
	if len(keys) == 0 {
		names := make([]string, 0, len(r.slots))
		for k := range r.slots {
			names = append(names, k)
		}
		sort.Strings(names)
		keys = names
	}
	for _, k := range keys {
		slot, ok := r.slots[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if !slot.readable {
			continue
		}
		found = append(found, ocpp.KeyValue{Key: k, Readonly: !slot.writable, Value: &slot.raw})
	}
	return found, unknown
}

func (r *Registry) u64(key string) uint64 { return r.slots[key].parsed.(uint64) }
func (r *Registry) boolean(key string) bool { return r.slots[key].parsed.(bool) }
func (r *Registry) str(key string) string { return r.slots[key].parsed.(string) }
func (r *Registry) measurands(key string) []measurandToken {
	return r.slots[key].parsed.([]measurandToken)
}

func (r *Registry) HeartbeatInterval() uint64        { return r.u64(KeyHeartbeatInterval) }
func (r *Registry) MinimumStatusDuration() uint64     { return r.u64(KeyMinimumStatusDuration) }
func (r *Registry) AuthorizationCacheEnabled() bool   { return r.boolean(KeyAuthorizationCacheEnabled) }
func (r *Registry) LocalAuthListEnabled() bool        { return r.boolean(KeyLocalAuthListEnabled) }
func (r *Registry) LocalAuthListMaxLength() uint64    { return r.u64(KeyLocalAuthListMaxLength) }
func (r *Registry) SendLocalListMaxLength() uint64    { return r.u64(KeySendLocalListMaxLength) }
func (r *Registry) AllowOfflineTxForUnknownId() bool  { return r.boolean(KeyAllowOfflineTxForUnknownId) }
func (r *Registry) LocalAuthorizeOffline() bool       { return r.boolean(KeyLocalAuthorizeOffline) }
func (r *Registry) LocalPreAuthorize() bool           { return r.boolean(KeyLocalPreAuthorize) }
func (r *Registry) NumberOfConnectors() uint64        { return r.u64(KeyNumberOfConnectors) }
func (r *Registry) ConnectionTimeOut() uint64         { return r.u64(KeyConnectionTimeOut) }
func (r *Registry) StopTransactionOnEVSideDisconnect() bool {
	return r.boolean(KeyStopTransactionOnEVSideDisconnect)
}
func (r *Registry) MeterValueSampleInterval() uint64 { return r.u64(KeyMeterValueSampleInterval) }
func (r *Registry) ClockAlignedDataInterval() uint64 { return r.u64(KeyClockAlignedDataInterval) }
func (r *Registry) MeterValuesSampledData() []measurandToken { return r.measurands(KeyMeterValuesSampledData) }
func (r *Registry) StopTxnSampledData() []measurandToken     { return r.measurands(KeyStopTxnSampledData) }
func (r *Registry) MeterValuesAlignedData() []measurandToken { return r.measurands(KeyMeterValuesAlignedData) }
func (r *Registry) StopTxnAlignedData() []measurandToken     { return r.measurands(KeyStopTxnAlignedData) }
func (r *Registry) StopTransactionOnInvalidId() bool { return r.boolean(KeyStopTransactionOnInvalidId) }
func (r *Registry) TransactionMessageAttempts() uint64 { return r.u64(KeyTransactionMessageAttempts) }
func (r *Registry) TransactionMessageRetryInterval() uint64 {
	return r.u64(KeyTransactionMessageRetryInterval)
}
func (r *Registry) AuthorizeRemoteTxRequests() bool { return r.boolean(KeyAuthorizeRemoteTxRequests) }
func (r *Registry) ResetRetries() uint64            { return r.u64(KeyResetRetries) }
func (r *Registry) GetConfigurationMaxKeys() uint64 { return r.u64(KeyGetConfigurationMaxKeys) }
