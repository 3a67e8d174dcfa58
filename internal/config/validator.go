package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Validate checks the configuration and fills in defaults for unset fields.
func Validate(cfg *Config) error {
	if cfg.Adapter == "" {
		cfg.Adapter = DefaultAdapter
	}
	if strings.ContainsAny(cfg.Adapter, "/ ") {
		return fmt.Errorf("adapter %q must be a bare name like hci0", cfg.Adapter)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = DefaultServiceUUID
	}
	id, err := uuid.Parse(cfg.ServiceUUID)
	if err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	cfg.ServiceUUID = id.String()

	if cfg.ConnectTimeout < 0 || cfg.ScanTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}

	cfg.Terminal.Newline = strings.ToLower(cfg.Terminal.Newline)
	switch cfg.Terminal.Newline {
	case "":
		cfg.Terminal.Newline = "crlf"
	case "crlf", "cr", "lf", "none":
	default:
		return fmt.Errorf("terminal.newline must be one of crlf, cr, lf, none; got %q", cfg.Terminal.Newline)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json; got %q", cfg.Log.Format)
	}
	return nil
}
