// Package driver defines the abstract boundaries (C4) the core event loop
// (C14) talks to: persistence, websocket transport, hardware, firmware, and
// diagnostics. The core never imports a concrete implementation package —
// only these interfaces — so internal/chargepoint stays free of I/O.
package driver

import (
	"context"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// Op is one write or delete within a table transaction. A nil Value means
// delete; any other value (including empty string) means set.
type Op struct {
	Key   string
	Value *string
}

func Set(key, value string) Op { return Op{Key: key, Value: &value} }
func Del(key string) Op        { return Op{Key: key, Value: nil} }

// KeyValueStore is the persistence contract (C3/C4): named tables of
// string keys to string values, with per-table transactional batches.
type KeyValueStore interface {
	Init(ctx context.Context) error
	Transaction(ctx context.Context, table string, ops []Op) error
	Get(ctx context.Context, table, key string) (string, bool, error)
	GetAll(ctx context.Context, table string) (map[string]string, error)
	CountKeys(ctx context.Context, table string) (int, error)
	DeleteTable(ctx context.Context, table string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// WsEventKind discriminates WsEvent.
type WsEventKind int

const (
	WsConnected WsEventKind = iota
	WsDisconnected
	WsMessage
)

type WsEvent struct {
	Kind WsEventKind
	Msg  []byte
}

// Websocket is the outbound transport contract (D1 implements this
// against the real CSMS; tests may fake it directly).
type Websocket interface {
	Connect(ctx context.Context, url string) error
	Send(ctx context.Context, text []byte) error
	Close(ctx context.Context) error
	Events() <-chan WsEvent
}

// MeterData is a single instantaneous hardware reading.
type MeterData struct {
	Value   float64
	Unit    ocpp.UnitOfMeasure
	Context ocpp.ReadingContext
}

// HardwareEventKind discriminates HardwareEvent.
type HardwareEventKind int

const (
	HardwareStateChanged HardwareEventKind = iota
	HardwareIdTagPresented
)

type HardwareEvent struct {
	Kind        HardwareEventKind
	Connector   int
	Status      ocpp.ChargePointStatus
	ErrorCode   ocpp.ChargePointErrorCode
	Info        string
	IdTag       string
}

// Hardware is the physical charge-point boundary: connector status, meter
// readings, ID-tag presentation, and hard reset.
type Hardware interface {
	GetBootTime(ctx context.Context) (uint64, error)
	HardReset(ctx context.Context) error
	UpdateStatus(ctx context.Context, connector int, status ocpp.ChargePointStatus) error
	GetMeterValue(ctx context.Context, connector int, measurand ocpp.Measurand) (*MeterData, bool)
	Events() <-chan HardwareEvent
	ResetCompleted() <-chan struct{}
}

// Firmware is the firmware-update driver boundary (C10).
type Firmware interface {
	Download(ctx context.Context, location string) error
	Install(ctx context.Context) error
	DownloadResult() <-chan bool
	InstallResult() <-chan bool
}

// DiagnosticsResultKind discriminates the Diagnostics result channel.
type DiagnosticsResultKind int

const (
	DiagnosticsTimeout DiagnosticsResultKind = iota
	DiagnosticsSuccess
	DiagnosticsFailed
)

// Diagnostics is the diagnostics-upload driver boundary (C11).
type Diagnostics interface {
	GetFileName(ctx context.Context, start, stop *time.Time) (string, bool)
	Upload(ctx context.Context, location string, timeout time.Duration) error
	Result() <-chan DiagnosticsResultKind
}
