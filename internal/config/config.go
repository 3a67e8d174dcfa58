// Package config loads btterm settings from YAML, then applies BTTERM_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete btterm configuration.
type Config struct {
	Device         string         `yaml:"device"`  // object path or MAC
	Adapter        string         `yaml:"adapter"` // hci0
	ServiceName    string         `yaml:"service_name"`
	ServiceUUID    string         `yaml:"service_uuid"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	ScanTimeout    time.Duration  `yaml:"scan_timeout"`
	Terminal       TerminalConfig `yaml:"terminal"`
	Log            LogConfig      `yaml:"log"`
}

// TerminalConfig contains display settings
type TerminalConfig struct {
	Hex     bool   `yaml:"hex"`
	Newline string `yaml:"newline"` // crlf, cr, lf, none
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

const (
	DefaultAdapter        = "hci0"
	DefaultServiceName    = "btterm"
	DefaultServiceUUID    = "00001101-0000-1000-8000-00805f9b34fb"
	DefaultConnectTimeout = 30 * time.Second
	DefaultScanTimeout    = 10 * time.Second
)

// Default returns a validated configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and parses a YAML configuration file. An empty path yields an
// empty Config. The result is not validated; callers apply env and flag
// overrides first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BTTERM_* variables found through lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("BTTERM_DEVICE", &c.Device)
	str("BTTERM_ADAPTER", &c.Adapter)
	str("BTTERM_SERVICE_NAME", &c.ServiceName)
	str("BTTERM_SERVICE_UUID", &c.ServiceUUID)
	str("BTTERM_NEWLINE", &c.Terminal.Newline)
	str("BTTERM_LOG_LEVEL", &c.Log.Level)
	str("BTTERM_LOG_FORMAT", &c.Log.Format)
	if err := dur("BTTERM_CONNECT_TIMEOUT", &c.ConnectTimeout); err != nil {
		return err
	}
	if err := dur("BTTERM_SCAN_TIMEOUT", &c.ScanTimeout); err != nil {
		return err
	}
	if v, ok := lookup("BTTERM_HEX"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BTTERM_HEX: %w", err)
		}
		c.Terminal.Hex = b
	}
	return nil
}
