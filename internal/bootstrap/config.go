// Package bootstrap loads the charge point's startup configuration document
// (identity, CSMS connection, persistence path, logging, metrics) the way
// the rest of this module's ambient stack loads configuration: viper,
// layered default/profile/env-var precedence, single Load() entry point.
package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the bootstrap document read once at process start. It seeds
// the charge point identity and the concrete driver endpoints; OCPP
// runtime behavior itself (heartbeat interval, sample rates, ...) lives in
// the persisted configuration registry (internal/chargepoint) and is
// overridable at runtime via ChangeConfiguration.
type Config struct {
	Identity   IdentityConfig   `mapstructure:"identity"`
	CSMS       CSMSConfig       `mapstructure:"csms"`
	Persist    PersistConfig    `mapstructure:"persist"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type IdentityConfig struct {
	ChargePointID          string `mapstructure:"charge_point_id"`
	ChargePointVendor      string `mapstructure:"charge_point_vendor"`
	ChargePointModel       string `mapstructure:"charge_point_model"`
	ChargePointSerialNumber string `mapstructure:"charge_point_serial_number"`
	FirmwareVersion        string `mapstructure:"firmware_version"`
	NumConnectors          int    `mapstructure:"num_connectors"`
}

// RuntimeConfig is the rest of the host-provided ChargePointConfig
// bootstrap document (cms_url lives on CSMSConfig.URL, boot_info on
// IdentityConfig): the outbound call timeout, the authorization-cache
// capacity, per-key overrides of the OCPP configuration registry's
// factory defaults, a host-forced storage reset, and the reconnect
// jitter seed.
type RuntimeConfig struct {
	CallTimeout        time.Duration     `mapstructure:"call_timeout"`
	MaxCacheLen        int               `mapstructure:"max_cache_len"`
	DefaultOCPPConfigs map[string]string `mapstructure:"default_ocpp_configs"`
	ClearDB            bool              `mapstructure:"clear_db"`
	Seed               int64             `mapstructure:"seed"`
}

// CSMSConfig describes where and how to reach the central system; the
// concrete dial/reconnect loop lives in internal/wsdriver (D1).
type CSMSConfig struct {
	URL              string        `mapstructure:"url"`
	Subprotocol      string        `mapstructure:"subprotocol"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MinBackoff       time.Duration `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// PersistConfig points at the embedded KV store backing internal/persist.
type PersistConfig struct {
	BadgerDir string `mapstructure:"badger_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
	Caller bool   `mapstructure:"caller"`
}

type MonitoringConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads config/bootstrap.yaml (if present), an optional profile
// override, then environment variables, in ascending precedence.
func Load() (*Config, error) {
	setDefaults()

	profile := os.Getenv("CP_PROFILE")

	if err := loadFile("bootstrap"); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: no base config file: %v\n", err)
	}
	if profile != "" {
		if err := loadFile(fmt.Sprintf("bootstrap-%s", profile)); err != nil {
			fmt.Fprintf(os.Stderr, "bootstrap: no profile config file for %q: %v\n", profile, err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.BindEnv("identity.charge_point_id", "CP_CHARGE_POINT_ID")
	viper.BindEnv("csms.url", "CP_CSMS_URL")
	viper.BindEnv("log.level", "CP_LOG_LEVEL")
	viper.BindEnv("persist.badger_dir", "CP_BADGER_DIR")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal bootstrap config: %w", err)
	}
	if cfg.Identity.ChargePointID == "" {
		return nil, fmt.Errorf("identity.charge_point_id is required")
	}
	return &cfg, nil
}

func loadFile(name string) error {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	return viper.MergeInConfig()
}

func setDefaults() {
	viper.SetDefault("identity.charge_point_vendor", "ocpp16cp")
	viper.SetDefault("identity.charge_point_model", "simulated")
	viper.SetDefault("identity.firmware_version", "0.1.0")
	viper.SetDefault("identity.num_connectors", 1)

	viper.SetDefault("csms.subprotocol", "ocpp1.6")
	viper.SetDefault("csms.handshake_timeout", "10s")
	viper.SetDefault("csms.min_backoff", "2s")
	viper.SetDefault("csms.max_backoff", "2m")

	viper.SetDefault("persist.badger_dir", "./data/badger")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.async", false)
	viper.SetDefault("log.caller", false)

	viper.SetDefault("monitoring.metrics_addr", ":9090")

	viper.SetDefault("runtime.call_timeout", "30s")
	viper.SetDefault("runtime.max_cache_len", 228)
	viper.SetDefault("runtime.clear_db", false)
	viper.SetDefault("runtime.seed", 0)
}
