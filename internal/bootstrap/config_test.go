package bootstrap

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		cleanup  func()
		wantErr  bool
		validate func(*testing.T, *Config)
	}{
		{
			name: "load default config with identity from env",
			setup: func() {
				viper.Reset()
				setDefaults()
				os.Setenv("CP_CHARGE_POINT_ID", "CP-001")
			},
			cleanup: func() {
				os.Unsetenv("CP_CHARGE_POINT_ID")
				viper.Reset()
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "CP-001", cfg.Identity.ChargePointID)
				assert.Equal(t, "ocpp1.6", cfg.CSMS.Subprotocol)
				assert.Equal(t, "./data/badger", cfg.Persist.BadgerDir)
				assert.Equal(t, "info", cfg.Log.Level)
			},
		},
		{
			name: "missing charge point id is an error",
			setup: func() {
				viper.Reset()
				setDefaults()
			},
			cleanup: func() {
				viper.Reset()
			},
			wantErr: true,
		},
		{
			name: "environment overrides csms url",
			setup: func() {
				viper.Reset()
				setDefaults()
				os.Setenv("CP_CHARGE_POINT_ID", "CP-002")
				os.Setenv("CP_CSMS_URL", "wss://csms.example.com/ocpp")
			},
			cleanup: func() {
				os.Unsetenv("CP_CHARGE_POINT_ID")
				os.Unsetenv("CP_CSMS_URL")
				viper.Reset()
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "wss://csms.example.com/ocpp", cfg.CSMS.URL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			defer tt.cleanup()

			cfg, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}
