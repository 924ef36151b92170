// Package chargepoint implements the OCPP 1.6-J charge point core: a
// single-threaded, event-driven protocol state machine (ChargePoint) that
// owns the connector FSMs, the authorization resolver, the durable
// transaction pipeline, the outbound call broker, the timer scheduler and
// the boot/heartbeat/firmware/diagnostics coordinators. The core never
// imports a concrete driver package; it is wired against the driver
// interfaces only, so the same core runs against the simulated drivers in
// tests and the real websocket/badger/hardware drivers in production.
package chargepoint

import (
	"context"
	"fmt"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/authcache"
	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/logging"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
	"github.com/ocpp16cp/chargepoint/internal/persist"
	"github.com/ocpp16cp/chargepoint/internal/timer"
	"github.com/ocpp16cp/chargepoint/internal/validation"
)

// timer.Kind aliases keep the rest of this package's call sites terse.
const (
	timerBoot               = timer.Boot
	timerHeartbeat          = timer.Heartbeat
	timerCall               = timer.Call
	timerStatusNotification = timer.StatusNotification
	timerTransaction        = timer.Transaction
	timerAuthorize          = timer.Authorize
	timerReservation        = timer.Reservation
	timerFirmware           = timer.Firmware
	timerMeterAligned       = timer.MeterAligned
	timerMeterSampled       = timer.MeterSampled
)

// ID builds a timer.ID for the given kind/index pair.
func ID(kind timer.Kind, index int) timer.ID { return timer.ID{Kind: kind, Index: index} }

// Identity is the charge point's own immutable self-description, sent on
// every BootNotification.
type Identity struct {
	ChargePointID           string
	ChargePointVendor       string
	ChargePointModel        string
	ChargePointSerialNumber string
	FirmwareVersion         string
}

// ChargePoint is the core aggregate. All exported methods that mutate state
// are meant to be called from the single event-loop goroutine (see
// loop.go); there is no internal synchronization.
type ChargePoint struct {
	log *logging.Logger

	identity Identity
	registry *Registry
	clock    *clock
	timers   *timer.Scheduler

	kv        driver.KeyValueStore
	ws        driver.Websocket
	hw        driver.Hardware
	fw        driver.Firmware
	diagDrv   driver.Diagnostics
	store     *persist.Store
	authCache *authcache.Cache
	validator *validation.Validator

	// callTimeout overrides the broker's outbound Call timeout
	// (ChargePointConfig.call_timeout); zero means "use the broker's
	// own default".
	callTimeout time.Duration

	connectors map[int]*connector

	online             bool
	registrationStatus ocpp.RegistrationStatus
	bootState          bootState
	heartbeatState     heartbeatState

	broker *broker
	tx     *txPipeline

	firmwareCoord   firmwareCoordinator
	diagnosticsCoord diagnosticsCoordinator

	pendingStatus    map[int]ocpp.ChargePointStatus
	pendingAuthorize map[int]bool
	reservations     map[string]reservationRecord

	resetPending      *ocpp.ResetType
	shutdownRequested bool
}

type reservationRecord struct {
	connectorID   int
	idTag         string
	parentIdTag   *string
	expiry        time.Time
}

// Options carries the host-provided ChargePointConfig fields that aren't
// naturally part of Identity, the persisted Registry or a driver: the
// outbound call timeout and the authorization-cache capacity. A zero
// Options is valid and falls back to this package's own defaults.
type Options struct {
	CallTimeout time.Duration
	MaxCacheLen int
}

// New builds a ChargePoint wired against the given drivers and persisted
// configuration registry. Callers must call Init before running the loop.
func New(id Identity, registry *Registry, kv driver.KeyValueStore, ws driver.Websocket, hw driver.Hardware, fw driver.Firmware, diagDrv driver.Diagnostics, log *logging.Logger, opts Options) *ChargePoint {
	numConnectors := int(registry.NumberOfConnectors())
	maxCacheLen := opts.MaxCacheLen
	if maxCacheLen <= 0 {
		maxCacheLen = int(registry.LocalAuthListMaxLength()) + 128
	}
	cp := &ChargePoint{
		log:                log.With("chargepoint"),
		identity:           id,
		registry:           registry,
		clock:              newClock(),
		timers:             timer.New(),
		kv:                 kv,
		ws:                 ws,
		hw:                 hw,
		fw:                 fw,
		diagDrv:            diagDrv,
		store:              persist.New(kv),
		authCache:          authcache.New(maxCacheLen),
		validator:          validation.New(),
		callTimeout:        opts.CallTimeout,
		connectors:         make(map[int]*connector, numConnectors),
		registrationStatus: ocpp.RegistrationStatusPending,
		pendingStatus:      make(map[int]ocpp.ChargePointStatus),
		pendingAuthorize:   make(map[int]bool),
		reservations:       make(map[string]reservationRecord),
	}
	for i := 1; i <= numConnectors; i++ {
		cp.connectors[i] = newConnector(i)
	}
	cp.broker = newBroker(cp)
	cp.tx = newTxPipeline(cp)
	return cp
}

// Init performs the boot-time schema migration gate and crash-recovery
// reconstruction: config/cache/local-list snapshot comparison, transaction
// table replay and firmware-outcome inspection. clearDB forces the schema
// gate to reseed everything unconditionally (ChargePointConfig.clear_db).
func (cp *ChargePoint) Init(ctx context.Context, clearDB bool) error {
	if err := cp.kv.Init(ctx); err != nil {
		return fmt.Errorf("chargepoint: init key-value store: %w", err)
	}
	if err := cp.store.Init(ctx, cp.registry.Defaults(), clearDB); err != nil {
		return fmt.Errorf("chargepoint: init persistence schema: %w", err)
	}
	raw, err := cp.store.GetAllConfigRaw(ctx)
	if err != nil {
		return fmt.Errorf("chargepoint: load persisted config: %w", err)
	}
	if err := cp.registry.LoadPersisted(raw); err != nil {
		return fmt.Errorf("chargepoint: apply persisted config: %w", err)
	}
	if err := cp.tx.recover(ctx); err != nil {
		return fmt.Errorf("chargepoint: recover transaction pipeline: %w", err)
	}
	if err := cp.firmwareCoord.recover(ctx, cp); err != nil {
		return fmt.Errorf("chargepoint: recover firmware outcome: %w", err)
	}
	return nil
}

func (cp *ChargePoint) now() time.Time {
	if cp.clock.Known() {
		return cp.clock.NowWall()
	}
	return time.Now().UTC()
}

// RequestShutdown marks the loop for a graceful stop at the next
// iteration boundary.
func (cp *ChargePoint) RequestShutdown() { cp.shutdownRequested = true }
