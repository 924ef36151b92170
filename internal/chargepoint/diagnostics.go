package chargepoint

import (
	"context"
	"time"

	"github.com/ocpp16cp/chargepoint/internal/driver"
	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

type diagnosticsStateKind int

const (
	diagIdle diagnosticsStateKind = iota
	diagUploading
)

// diagnosticsCoordinator implements the diagnostics-upload state machine
// (C10). fileName is resolved once per upload attempt sequence and held
// stable across retries of that same attempt.
type diagnosticsCoordinator struct {
	kind          diagnosticsStateKind
	fileName      string
	location      string
	retriesLeft   int
	retryInterval time.Duration
}

const defaultDiagnosticsUploadTimeout = 60 * time.Second

// handleGetDiagnostics starts an upload attempt if idle, returning the
// synthesized file name (or nil if a name could not be resolved or an
// upload is already in progress).
func (cp *ChargePoint) handleGetDiagnostics(req *ocpp.GetDiagnosticsRequest) *string {
	d := &cp.diagnosticsCoord
	if d.kind != diagIdle {
		return nil
	}
	var start, stop *time.Time
	if req.StartTime != nil {
		start = &req.StartTime.Time
	}
	if req.StopTime != nil {
		stop = &req.StopTime.Time
	}
	fileName, ok := cp.diagDrv.GetFileName(context.Background(), start, stop)
	if !ok {
		return nil
	}
	retries := 0
	if req.Retries != nil {
		retries = *req.Retries
	}
	interval := time.Duration(0)
	if req.RetryInterval != nil {
		interval = time.Duration(*req.RetryInterval) * time.Second
	}
	d.kind = diagUploading
	d.fileName = fileName
	d.location = req.Location
	d.retriesLeft = retries + 1
	d.retryInterval = interval

	cp.emitDiagnosticsStatus(ocpp.DiagnosticsStatusUploading)
	_ = cp.diagDrv.Upload(context.Background(), d.location, defaultDiagnosticsUploadTimeout)
	return &fileName
}

func (cp *ChargePoint) emitDiagnosticsStatus(status ocpp.DiagnosticsStatus) {
	cp.broker.Enqueue(ocpp.ActionDiagnosticsStatusNotification, &ocpp.DiagnosticsStatusNotificationRequest{Status: status}, nil, nil, nil)
}

// OnDiagnosticsResult is delivered from the Diagnostics driver's Result()
// channel.
func (cp *ChargePoint) OnDiagnosticsResult(kind driver.DiagnosticsResultKind) {
	d := &cp.diagnosticsCoord
	if d.kind != diagUploading {
		return
	}
	if kind == driver.DiagnosticsSuccess {
		cp.emitDiagnosticsStatus(ocpp.DiagnosticsStatusUploaded)
		d.kind = diagIdle
		return
	}
	d.retriesLeft--
	if d.retriesLeft > 0 {
		// No dedicated timer slot exists for diagnostics retry backoff;
		// re-issue immediately to the same location. The file name resolved
		// by handleGetDiagnostics stays unchanged; Upload is not passed it.
		_ = cp.diagDrv.Upload(context.Background(), d.location, defaultDiagnosticsUploadTimeout)
		return
	}
	cp.emitDiagnosticsStatus(ocpp.DiagnosticsStatusUploadFailed)
	d.kind = diagIdle
}
