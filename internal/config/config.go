// Package config provides YAML configuration loading and validation for the
// ncnotify daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config
// file when the "-config" flag is not given.
const EnvConfigPath = "NCNOTIFYD_CONFIG"

// Config is the top-level configuration structure for the ncnotify daemon.
type Config struct {
	// StreamsDir is the streams directory the daemon scans at startup.
	// LIBNETCONF_STREAMS, when set, always takes priority over this value;
	// this field only applies when that variable is unset.
	StreamsDir string `yaml:"streams_dir"`

	// HTTPAddr is the listen address for the REST and WebSocket servers
	// (e.g. ":8080"). Defaults to ":8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used
	// to verify admin-route bearer tokens. Empty disables admin-route
	// authentication entirely (suitable for local development only).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// BusBufferSize is the Live Event Bus's per-subscription channel
	// buffer depth. Defaults to 64 when omitted or non-positive.
	BusBufferSize int `yaml:"bus_buffer_size"`

	// HistoryDSN is the PostgreSQL connection string for the Publish
	// History mirror. Empty disables the mirror.
	HistoryDSN string `yaml:"history_dsn"`

	// CheckpointDBPath is the SQLite database path for the Subscriber
	// Checkpoint Store. Empty disables checkpointing.
	CheckpointDBPath string `yaml:"checkpoint_db_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. It returns a typed error describing
// every validation failure encountered (joined via errors.Join).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.StreamsDir == "" {
		cfg.StreamsDir = "/var/lib/ncnotify/streams"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BusBufferSize <= 0 {
		cfg.BusBufferSize = 64
	}
}

// validate checks that enumerated fields contain only valid values. Every
// field with a default applied by applyDefaults is already non-empty by
// the time validate runs, so this only rejects explicit bad values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.BusBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("bus_buffer_size must be positive, got %d", cfg.BusBufferSize))
	}

	return errors.Join(errs...)
}
