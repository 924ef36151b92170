// Command chargepoint runs one OCPP 1.6-J charge point core against a
// real CSMS over websocket, backed by an embedded badger store and a
// simulated EVSE. Wiring order mirrors the rest of this module's ambient
// stack: load config, build the logger, open storage, construct drivers,
// assemble the core, expose metrics, then hand control to the event loop
// until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocpp16cp/chargepoint/internal/bootstrap"
	"github.com/ocpp16cp/chargepoint/internal/chargepoint"
	"github.com/ocpp16cp/chargepoint/internal/logging"
	"github.com/ocpp16cp/chargepoint/internal/persist/badger"
	"github.com/ocpp16cp/chargepoint/internal/simdriver"
	"github.com/ocpp16cp/chargepoint/internal/wsdriver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bootstrap.Load()
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: time.RFC3339,
		Caller:     cfg.Log.Caller,
		Async:      cfg.Log.Async,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log = log.With("main")

	kv, err := badger.Open(cfg.Persist.BadgerDir)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer kv.Close()

	identity := chargepoint.Identity{
		ChargePointID:           cfg.Identity.ChargePointID,
		ChargePointVendor:       cfg.Identity.ChargePointVendor,
		ChargePointModel:        cfg.Identity.ChargePointModel,
		ChargePointSerialNumber: cfg.Identity.ChargePointSerialNumber,
		FirmwareVersion:         cfg.Identity.FirmwareVersion,
	}
	registry := chargepoint.NewRegistry(cfg.Identity.NumConnectors)
	if err := registry.ApplyDefaultOverrides(cfg.Runtime.DefaultOCPPConfigs); err != nil {
		return fmt.Errorf("apply default_ocpp_configs overrides: %w", err)
	}

	ws := wsdriver.New(wsdriver.Config{
		URL:              cfg.CSMS.URL,
		Subprotocol:      cfg.CSMS.Subprotocol,
		HandshakeTimeout: cfg.CSMS.HandshakeTimeout,
		MinBackoff:       cfg.CSMS.MinBackoff,
		MaxBackoff:       cfg.CSMS.MaxBackoff,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1024 * 1024,
		Seed:             cfg.Runtime.Seed,
	}, log)

	hw := simdriver.NewHardware(cfg.Identity.NumConnectors, uint64(time.Now().Unix()))
	fw := simdriver.NewFirmware()
	diag := simdriver.NewDiagnostics()

	cp := chargepoint.New(identity, registry, kv, ws, hw, fw, diag, log, chargepoint.Options{
		CallTimeout: cfg.Runtime.CallTimeout,
		MaxCacheLen: cfg.Runtime.MaxCacheLen,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cp.Init(ctx, cfg.Runtime.ClearDB); err != nil {
		return fmt.Errorf("init chargepoint: %w", err)
	}

	if err := ws.Connect(ctx, cfg.CSMS.URL); err != nil {
		return fmt.Errorf("start websocket dial loop: %w", err)
	}

	metricsSrv := &http.Server{Addr: cfg.Monitoring.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Infof("metrics listening on %s", cfg.Monitoring.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr(err, "metrics server")
		}
	}()

	log.Infof("charge point %s starting against %s", identity.ChargePointID, cfg.CSMS.URL)
	cp.Run(ctx)

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = ws.Close(shutdownCtx)

	return nil
}
