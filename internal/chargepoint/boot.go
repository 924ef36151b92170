package chargepoint

import (
	"strconv"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

type bootStateKind int

const (
	bootIdle bootStateKind = iota
	bootSleeping
	bootWaitingForResponse
)

type bootState struct{ kind bootStateKind }

type heartbeatStateKind int

const (
	hbIdle heartbeatStateKind = iota
	hbSleeping
	hbWaitingForResponse
)

type heartbeatState struct{ kind heartbeatStateKind }

const minRetryInterval = 2 * time.Second

// OnWsConnected runs the boot sequence (C12) on a fresh websocket
// connection: re-send BootNotification unless already Accepted.
func (cp *ChargePoint) OnWsConnected() {
	if cp.registrationStatus == ocpp.RegistrationStatusAccepted {
		cp.goOnline()
		return
	}
	cp.sendBootNotification()
}

// OnWsDisconnected tears down online state: the broker drains all pending
// and in-flight calls as failures, every connector shifts into the
// Offline debounce state, and both the boot and heartbeat FSMs reset.
func (cp *ChargePoint) OnWsDisconnected() {
	cp.online = false
	cp.broker.OnOffline()
	for _, c := range cp.connectors {
		cp.onConnectorGoOffline(c)
	}
	if cp.bootState.kind == bootSleeping {
		cp.timers.Remove(ID(timerBoot, 0))
	}
	cp.bootState.kind = bootIdle
	cp.heartbeatState.kind = hbIdle
	cp.timers.Remove(ID(timerHeartbeat, 0))
}

func (cp *ChargePoint) sendBootNotification() {
	cp.bootState.kind = bootWaitingForResponse
	fw := cp.identity.FirmwareVersion
	req := &ocpp.BootNotificationRequest{
		ChargePointVendor: cp.identity.ChargePointVendor,
		ChargePointModel:  cp.identity.ChargePointModel,
		FirmwareVersion:   &fw,
	}
	if cp.identity.ChargePointSerialNumber != "" {
		serial := cp.identity.ChargePointSerialNumber
		req.ChargePointSerialNumber = &serial
	}
	cp.broker.Enqueue(ocpp.ActionBootNotification, req,
		func(payload []byte) {
			var resp ocpp.BootNotificationResponse
			if err := ocpp.DecodePayload(payload, &resp); err != nil {
				cp.sleepBoot(minRetryInterval)
				return
			}
			cp.clock.Set(resp.CurrentTime.Time)
			if resp.Status == ocpp.RegistrationStatusAccepted {
				cp.registrationStatus = ocpp.RegistrationStatusAccepted
				cp.bootState.kind = bootIdle
				if resp.Interval > 0 {
					cp.registry.ChangeConfiguration(KeyHeartbeatInterval, strconv.Itoa(resp.Interval))
				}
				cp.goOnline()
				return
			}
			interval := time.Duration(resp.Interval) * time.Second
			if interval < minRetryInterval {
				interval = minRetryInterval
			}
			cp.sleepBoot(interval)
		},
		func(code ocpp.ProtocolErrorCode, description string) { cp.sleepBoot(minRetryInterval) },
		func() { cp.sleepBoot(minRetryInterval) },
	)
}

func (cp *ChargePoint) sleepBoot(d time.Duration) {
	cp.bootState.kind = bootSleeping
	cp.timers.AddOrUpdate(ID(timerBoot, 0), d)
}

func (cp *ChargePoint) OnBootTimer() {
	cp.sendBootNotification()
}

func (cp *ChargePoint) goOnline() {
	cp.online = true
	cp.heartbeatState.kind = hbSleeping
	cp.armHeartbeatTimer()
	cp.armMeterAlignedTimer()
	for _, c := range cp.connectors {
		cp.onConnectorGoOnline(c)
	}
	cp.tx.OnOnline()
	cp.firmwareCoord.onOnline(cp)
}

func (cp *ChargePoint) armHeartbeatTimer() {
	interval := cp.registry.HeartbeatInterval()
	if interval < 2 {
		interval = 2
	}
	cp.timers.AddOrUpdate(ID(timerHeartbeat, 0), time.Duration(interval)*time.Second)
}

func (cp *ChargePoint) OnHeartbeatTimer() {
	cp.heartbeatState.kind = hbWaitingForResponse
	cp.broker.Enqueue(ocpp.ActionHeartbeat, &ocpp.HeartbeatRequest{},
		func(payload []byte) {
			var resp ocpp.HeartbeatResponse
			if err := ocpp.DecodePayload(payload, &resp); err == nil {
				cp.clock.Set(resp.CurrentTime.Time)
			}
			cp.heartbeatState.kind = hbSleeping
			cp.armHeartbeatTimer()
		},
		func(code ocpp.ProtocolErrorCode, description string) {
			cp.heartbeatState.kind = hbSleeping
			cp.armHeartbeatTimer()
		},
		func() {
			cp.heartbeatState.kind = hbSleeping
			cp.armHeartbeatTimer()
		},
	)
}
