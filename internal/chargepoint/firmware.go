package chargepoint

import (
	"context"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

type firmwareStateKind int

const (
	fwIdle firmwareStateKind = iota
	fwNew
	fwDownloading
	fwWaitingForTransactions
	fwInstalling
	fwDownloadSleep
)

// firmwareCoordinator implements the firmware-update state machine (C10).
type firmwareCoordinator struct {
	kind          firmwareStateKind
	location      string
	retriesLeft   int
	retryInterval time.Duration

	pendingOutcome string // "", "Success" or "Failed" — surfaced once online
}

func (f *firmwareCoordinator) blocksAvailability() bool {
	return f.kind == fwWaitingForTransactions || f.kind == fwInstalling
}

func (f *firmwareCoordinator) recover(ctx context.Context, cp *ChargePoint) error {
	outcome, ok, err := cp.store.GetFirmwareOutcome(ctx)
	if err != nil {
		return err
	}
	if ok && outcome != "" {
		f.pendingOutcome = outcome
	}
	return nil
}

// onOnline emits a deferred FirmwareStatusNotification for an install that
// completed before the charge point last went offline or restarted.
func (f *firmwareCoordinator) onOnline(cp *ChargePoint) {
	if f.pendingOutcome == "" {
		return
	}
	status := ocpp.FirmwareStatusInstalled
	if f.pendingOutcome == "Failed" {
		status = ocpp.FirmwareStatusInstallationFailed
	}
	cp.emitFirmwareStatus(status)
	_ = cp.store.ClearFirmwareOutcome(context.Background())
	f.pendingOutcome = ""
}

func (cp *ChargePoint) emitFirmwareStatus(status ocpp.FirmwareStatus) {
	cp.broker.Enqueue(ocpp.ActionFirmwareStatusNotification, &ocpp.FirmwareStatusNotificationRequest{Status: status}, nil, nil, nil)
}

func (cp *ChargePoint) anyActiveTransaction() bool {
	for _, c := range cp.connectors {
		if c.kind == connTransaction {
			return true
		}
	}
	return false
}

// handleUpdateFirmware starts (or schedules) a firmware download per C10.
func (cp *ChargePoint) handleUpdateFirmware(req *ocpp.UpdateFirmwareRequest) {
	f := &cp.firmwareCoord
	retries := 1
	if req.Retries != nil {
		retries = *req.Retries
	}
	retryInterval := time.Duration(0)
	if req.RetryInterval != nil {
		retryInterval = time.Duration(*req.RetryInterval) * time.Second
	}
	f.location = req.Location
	f.retriesLeft = retries
	f.retryInterval = retryInterval

	if req.RetrieveDate.Time.After(cp.now()) {
		f.kind = fwNew
		cp.timers.AddOrUpdate(ID(timerFirmware, 0), req.RetrieveDate.Time.Sub(cp.now()))
		return
	}
	f.beginDownload(cp)
}

func (f *firmwareCoordinator) beginDownload(cp *ChargePoint) {
	f.kind = fwDownloading
	cp.emitFirmwareStatus(ocpp.FirmwareStatusDownloading)
	_ = cp.fw.Download(context.Background(), f.location)
}

func (f *firmwareCoordinator) beginInstall(cp *ChargePoint) {
	f.kind = fwInstalling
	cp.emitFirmwareStatus(ocpp.FirmwareStatusInstalling)
	_ = cp.fw.Install(context.Background())
}

// OnFirmwareTimer fires when either the scheduled-retrieval delay or a
// download-retry backoff elapses.
func (cp *ChargePoint) OnFirmwareTimer() {
	f := &cp.firmwareCoord
	switch f.kind {
	case fwNew, fwDownloadSleep:
		f.beginDownload(cp)
	}
}

// OnFirmwareDownloadResult is delivered from the Firmware driver's
// DownloadResult() channel.
func (cp *ChargePoint) OnFirmwareDownloadResult(ok bool) {
	f := &cp.firmwareCoord
	if !ok {
		f.retriesLeft--
		if f.retriesLeft > 0 && f.retryInterval > 0 {
			f.kind = fwDownloadSleep
			cp.timers.AddOrUpdate(ID(timerFirmware, 0), f.retryInterval)
			return
		}
		cp.emitFirmwareStatus(ocpp.FirmwareStatusDownloadFailed)
		f.kind = fwIdle
		return
	}
	cp.emitFirmwareStatus(ocpp.FirmwareStatusDownloaded)
	if cp.anyActiveTransaction() {
		f.kind = fwWaitingForTransactions
		for _, c := range cp.connectors {
			cp.recomputeStatus(c)
		}
		return
	}
	f.beginInstall(cp)
}

// onTransactionEnded is called by the transaction pipeline whenever a Stop
// completes, so a pending firmware install can proceed once the last
// active transaction drains.
func (cp *ChargePoint) onTransactionEnded() {
	f := &cp.firmwareCoord
	if f.kind == fwWaitingForTransactions && !cp.anyActiveTransaction() {
		f.beginInstall(cp)
	}
}

// OnFirmwareInstallResult is delivered from the Firmware driver's
// InstallResult() channel.
func (cp *ChargePoint) OnFirmwareInstallResult(ok bool) {
	f := &cp.firmwareCoord
	outcome := "Failed"
	status := ocpp.FirmwareStatusInstallationFailed
	if ok {
		outcome = "Success"
		status = ocpp.FirmwareStatusInstalled
	}
	_ = cp.store.SetFirmwareOutcome(context.Background(), outcome)
	cp.emitFirmwareStatus(status)
	f.kind = fwIdle
	reboot := ocpp.ResetTypeSoft
	cp.resetPending = &reboot
	cp.broker.maybeEmitSoftReset()
}
