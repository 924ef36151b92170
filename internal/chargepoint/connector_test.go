package chargepoint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

func TestConnector_DerivedStatus(t *testing.T) {
	tests := []struct {
		name       string
		kind       connectorKind
		secc       seccState
		suspended  bool
		fwBlocking bool
		want       ocpp.ChargePointStatus
	}{
		{"idle", connIdle, seccUnplugged, false, false, ocpp.ChargePointStatusAvailable},
		{"idle blocked by firmware", connIdle, seccUnplugged, false, true, ocpp.ChargePointStatusUnavailable},
		{"plugged", connPlugged, seccPlugged, false, false, ocpp.ChargePointStatusPreparing},
		{"authorized", connAuthorized, seccPlugged, false, false, ocpp.ChargePointStatusPreparing},
		{"transaction charging", connTransaction, seccPlugged, false, false, ocpp.ChargePointStatusCharging},
		{"transaction suspended evse", connTransaction, seccPlugged, true, false, ocpp.ChargePointStatusSuspendedEVSE},
		{"transaction suspended ev", connTransaction, seccUnplugged, false, false, ocpp.ChargePointStatusSuspendedEV},
		{"transaction faulted stays in transaction", connTransaction, seccFaulty, false, false, ocpp.ChargePointStatusFaulted},
		{"finishing", connFinishing, seccUnplugged, false, false, ocpp.ChargePointStatusFinishing},
		{"reserved", connReserved, seccUnplugged, false, false, ocpp.ChargePointStatusReserved},
		{"unavailable", connUnavailable, seccUnplugged, false, false, ocpp.ChargePointStatusUnavailable},
		{"unavailable but faulted", connUnavailable, seccFaulty, false, false, ocpp.ChargePointStatusFaulted},
		{"faulty", connFaulty, seccFaulty, false, false, ocpp.ChargePointStatusFaulted},
		{"transaction blocked by firmware stays in transaction", connTransaction, seccPlugged, false, true, ocpp.ChargePointStatusCharging},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &connector{kind: tc.kind, secc: tc.secc, suspended: tc.suspended}
			assert.Equal(t, tc.want, c.derivedStatus(tc.fwBlocking))
		})
	}
}

func TestConnector_DerivedStatus_FirmwareBlocksNonTransaction(t *testing.T) {
	c := &connector{kind: connPlugged, secc: seccPlugged}
	assert.Equal(t, ocpp.ChargePointStatusUnavailable, c.derivedStatus(true))
}
