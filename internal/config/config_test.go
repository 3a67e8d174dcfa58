package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "hci0", cfg.Adapter)
	require.Equal(t, DefaultServiceName, cfg.ServiceName)
	require.Equal(t, DefaultServiceUUID, cfg.ServiceUUID)
	require.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	require.Equal(t, DefaultScanTimeout, cfg.ScanTimeout)
	require.Equal(t, "crlf", cfg.Terminal.Newline)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device: "00:11:22:33:44:55"
adapter: hci1
service_uuid: 00001101-0000-1000-8000-00805F9B34FB
connect_timeout: 5s
terminal:
  hex: true
  newline: LF
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	require.Equal(t, "00:11:22:33:44:55", cfg.Device)
	require.Equal(t, "hci1", cfg.Adapter)
	require.Equal(t, DefaultServiceUUID, cfg.ServiceUUID)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	require.Equal(t, DefaultScanTimeout, cfg.ScanTimeout)
	require.True(t, cfg.Terminal.Hex)
	require.Equal(t, "lf", cfg.Terminal.Newline)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [unterminated"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BTTERM_DEVICE":          "/org/bluez/hci0/dev_00_11_22_33_44_55",
		"BTTERM_HEX":             "true",
		"BTTERM_NEWLINE":         "none",
		"BTTERM_CONNECT_TIMEOUT": "2s",
		"BTTERM_LOG_LEVEL":       "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.NoError(t, Validate(cfg))
	require.Equal(t, "/org/bluez/hci0/dev_00_11_22_33_44_55", cfg.Device)
	require.True(t, cfg.Terminal.Hex)
	require.Equal(t, "none", cfg.Terminal.Newline)
	require.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "hci0", cfg.Adapter)

	env = map[string]string{"BTTERM_HEX": "maybe"}
	require.Error(t, Default().ApplyEnv(lookup))
	env = map[string]string{"BTTERM_SCAN_TIMEOUT": "soon"}
	require.Error(t, Default().ApplyEnv(lookup))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"uuid", Config{ServiceUUID: "spp"}},
		{"adapter", Config{Adapter: "/org/bluez/hci0"}},
		{"timeout", Config{ConnectTimeout: -time.Second}},
		{"newline", Config{Terminal: TerminalConfig{Newline: "nl"}}},
		{"level", Config{Log: LogConfig{Level: "loud"}}},
		{"format", Config{Log: LogConfig{Format: "xml"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			require.Error(t, Validate(&cfg))
		})
	}
}
