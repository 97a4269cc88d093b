// Package config loads the gateway configuration from YAML with struct-tag
// defaults and builds the shared logger.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Scanner
	ScanRestartInterval time.Duration `yaml:"scan_restart_interval" default:"30s"`
	ScanErrorPause      time.Duration `yaml:"scan_error_pause" default:"5s"`
	Mode                string        `yaml:"mode" default:"both"` // advertisement, log, both
	NamePrefix          string        `yaml:"name_prefix"`
	ServiceUUID         string        `yaml:"service_uuid"`
	MinRSSI             int16         `yaml:"min_rssi" default:"-90"`

	// Arbiter; 0 derives capacity from the host core count.
	ArbiterCapacity int `yaml:"arbiter_capacity"`

	// Session timing
	ConnectAttempts int           `yaml:"connect_attempts" default:"3"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff" default:"1s"`
	StabilizeDelay  time.Duration `yaml:"stabilize_delay" default:"2s"`
	TokenTimeout    time.Duration `yaml:"token_timeout" default:"120s"`
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"30s"`
	MTU             int           `yaml:"mtu" default:"244"`

	// Sink
	SinkType   string `yaml:"sink_type" default:"jsonl"` // jsonl, sqlite
	SinkPath   string `yaml:"sink_path"`                 // empty jsonl path means stdout
	SQLitePath string `yaml:"sqlite_path" default:"measurements.db"`

	// Pairing agent
	AgentEnabled bool   `yaml:"agent_enabled"`
	AgentPin     string `yaml:"agent_pin" default:"0000"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component could act on.
func (c *Config) Validate() error {
	switch c.Mode {
	case "advertisement", "log", "both":
	default:
		return fmt.Errorf("invalid mode %q (must be advertisement, log, or both)", c.Mode)
	}
	switch c.SinkType {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("invalid sink_type %q (must be jsonl or sqlite)", c.SinkType)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// NewLogger creates the shared logger from the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
