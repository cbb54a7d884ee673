package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// SchedulerConfig controls the health-check sweep.
type SchedulerConfig struct {
	Interval      Duration `yaml:"interval,omitempty"`
	ProbeTimeout  Duration `yaml:"probe_timeout,omitempty"`
	ReadTimeout   Duration `yaml:"read_timeout,omitempty"`
	CollectWindow Duration `yaml:"collect_window,omitempty"`
}

// Default health-check timings, used when the configuration leaves them unset.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultProbeTimeout  = 5 * time.Second
	DefaultReadTimeout   = 10 * time.Second
	DefaultCollectWindow = 5 * time.Second
)

// SweepInterval returns the configured interval or the default.
func (c SchedulerConfig) SweepInterval() time.Duration {
	if c.Interval.Duration > 0 {
		return c.Interval.Duration
	}
	return DefaultSweepInterval
}

// ProbeDeadline returns the configured probe timeout or the default.
func (c SchedulerConfig) ProbeDeadline() time.Duration {
	if c.ProbeTimeout.Duration > 0 {
		return c.ProbeTimeout.Duration
	}
	return DefaultProbeTimeout
}

// ReadDeadline returns the configured read timeout or the default.
func (c SchedulerConfig) ReadDeadline() time.Duration {
	if c.ReadTimeout.Duration > 0 {
		return c.ReadTimeout.Duration
	}
	return DefaultReadTimeout
}

// MQTTCollectWindow returns the subscribe-and-collect duration or the default.
func (c SchedulerConfig) MQTTCollectWindow() time.Duration {
	if c.CollectWindow.Duration > 0 {
		return c.CollectWindow.Duration
	}
	return DefaultCollectWindow
}

// StoreConfig locates the connection record database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig enables the metrics endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// NotifierConfig selects how status transitions are broadcast.
type NotifierConfig struct {
	MQTT      *MQTTSettings `yaml:"mqtt,omitempty"`
	Topic     string        `yaml:"topic,omitempty"`
	RateLimit Duration      `yaml:"rate_limit,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notifier  NotifierConfig  `yaml:"notifier"`
}

// Load reads and parses the root configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
