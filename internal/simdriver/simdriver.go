// Package simdriver implements the driver.Hardware, driver.Firmware and
// driver.Diagnostics contracts (C4) against in-process simulated state
// instead of real connector electronics. It exists so the chargepoint core
// (C14's event loop and everything it drives) can run end to end — in
// tests and in a standalone local demo — without a physical EVSE attached:
// Plug, Unplug, PresentTag and SetMeterValue are the operator/test control
// surface that stands in for a cable being inserted, an RFID card being
// tapped, and a meter ticking over.
package simdriver

import (
	"context"
	"sync"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

// Hardware simulates the EVSE-side connector and meter state for a fixed
// set of connectors.
type Hardware struct {
	bootTime uint64

	mu         sync.Mutex
	meter      map[int]map[ocpp.Measurand]float64
	events     chan driver.HardwareEvent
	resetDone  chan struct{}
}

func NewHardware(numConnectors int, bootTime uint64) *Hardware {
	h := &Hardware{
		bootTime:  bootTime,
		meter:     make(map[int]map[ocpp.Measurand]float64, numConnectors),
		events:    make(chan driver.HardwareEvent, 64),
		resetDone: make(chan struct{}, 1),
	}
	for i := 1; i <= numConnectors; i++ {
		h.meter[i] = make(map[ocpp.Measurand]float64)
	}
	return h
}

func (h *Hardware) GetBootTime(ctx context.Context) (uint64, error) { return h.bootTime, nil }

// HardReset simulates the EVSE power-cycling itself: the reset is reported
// as completed almost immediately, since there is no firmware to actually
// reload.
func (h *Hardware) HardReset(ctx context.Context) error {
	go func() {
		time.Sleep(50 * time.Millisecond)
		select {
		case h.resetDone <- struct{}{}:
		default:
		}
	}()
	return nil
}

// UpdateStatus is informational only in this driver: the simulated
// hardware has no display or contactor to actually drive, so the core's
// StatusNotification accounting is the sole source of truth for state.
func (h *Hardware) UpdateStatus(ctx context.Context, connector int, status ocpp.ChargePointStatus) error {
	return nil
}

func (h *Hardware) GetMeterValue(ctx context.Context, connector int, measurand ocpp.Measurand) (*driver.MeterData, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	readings, ok := h.meter[connector]
	if !ok {
		return nil, false
	}
	v, ok := readings[measurand]
	if !ok {
		return nil, false
	}
	return &driver.MeterData{Value: v, Unit: ocpp.UnitOfMeasureWh, Context: ocpp.ReadingContextSamplePeriodic}, true
}

func (h *Hardware) Events() <-chan driver.HardwareEvent   { return h.events }
func (h *Hardware) ResetCompleted() <-chan struct{}       { return h.resetDone }

// Plug reports a cable-present transition for connector.
func (h *Hardware) Plug(connector int) {
	h.emit(driver.HardwareEvent{Kind: driver.HardwareStateChanged, Connector: connector, Status: ocpp.ChargePointStatusPreparing})
}

// Unplug reports a cable-absent transition for connector.
func (h *Hardware) Unplug(connector int) {
	h.emit(driver.HardwareEvent{Kind: driver.HardwareStateChanged, Connector: connector, Status: ocpp.ChargePointStatusAvailable})
}

// Fault reports a hardware fault on connector with the given error code.
func (h *Hardware) Fault(connector int, code ocpp.ChargePointErrorCode, info string) {
	h.emit(driver.HardwareEvent{Kind: driver.HardwareStateChanged, Connector: connector, Status: ocpp.ChargePointStatusFaulted, ErrorCode: code, Info: info})
}

// ClearFault reports a fault clearing back to a plugged cable.
func (h *Hardware) ClearFault(connector int) {
	h.emit(driver.HardwareEvent{Kind: driver.HardwareStateChanged, Connector: connector, Status: ocpp.ChargePointStatusCharging, ErrorCode: ocpp.ChargePointErrorCodeNoError})
}

// PresentTag simulates an RFID card tap at connector.
func (h *Hardware) PresentTag(connector int, idTag string) {
	h.emit(driver.HardwareEvent{Kind: driver.HardwareIdTagPresented, Connector: connector, IdTag: idTag})
}

// SetMeterValue seeds the reading simdriver returns for connector/measurand
// going forward, simulating the meter ticking over during a transaction.
func (h *Hardware) SetMeterValue(connector int, measurand ocpp.Measurand, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.meter[connector]; !ok {
		h.meter[connector] = make(map[ocpp.Measurand]float64)
	}
	h.meter[connector][measurand] = value
}

func (h *Hardware) emit(ev driver.HardwareEvent) {
	select {
	case h.events <- ev:
	default:
	}
}

// Firmware simulates a firmware-update download/install pipeline that
// always succeeds after a short, fixed delay — enough to exercise the
// firmware coordinator's state machine (C10) without real file transfer.
type Firmware struct {
	downloadResult chan bool
	installResult  chan bool

	// FailDownload/FailInstall let tests force a retry path.
	FailDownload bool
	FailInstall  bool
	Delay        time.Duration
}

func NewFirmware() *Firmware {
	return &Firmware{
		downloadResult: make(chan bool, 1),
		installResult:  make(chan bool, 1),
		Delay:          20 * time.Millisecond,
	}
}

func (f *Firmware) Download(ctx context.Context, location string) error {
	go func() {
		time.Sleep(f.Delay)
		f.downloadResult <- !f.FailDownload
	}()
	return nil
}

func (f *Firmware) Install(ctx context.Context) error {
	go func() {
		time.Sleep(f.Delay)
		f.installResult <- !f.FailInstall
	}()
	return nil
}

func (f *Firmware) DownloadResult() <-chan bool { return f.downloadResult }
func (f *Firmware) InstallResult() <-chan bool  { return f.installResult }

// Diagnostics simulates a diagnostics-file upload pipeline.
type Diagnostics struct {
	result chan driver.DiagnosticsResultKind

	FailUpload bool
	Delay      time.Duration
	seq        int
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		result: make(chan driver.DiagnosticsResultKind, 1),
		Delay:  20 * time.Millisecond,
	}
}

func (d *Diagnostics) GetFileName(ctx context.Context, start, stop *time.Time) (string, bool) {
	d.seq++
	return fileName(d.seq), true
}

func fileName(seq int) string {
	return time.Now().UTC().Format("20060102-150405") + "-diag-" + itoa(seq) + ".log"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (d *Diagnostics) Upload(ctx context.Context, location string, timeout time.Duration) error {
	go func() {
		time.Sleep(d.Delay)
		if d.FailUpload {
			d.result <- driver.DiagnosticsFailed
			return
		}
		d.result <- driver.DiagnosticsSuccess
	}()
	return nil
}

func (d *Diagnostics) Result() <-chan driver.DiagnosticsResultKind { return d.result }
