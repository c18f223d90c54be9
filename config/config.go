// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantrelay/tradecore/internal/adapter"
)

// BusConfig sizes the event bus queues and loops.
type BusConfig struct {
	QueueSize            int     `yaml:"queueSize"`
	TimerIntervalSeconds float64 `yaml:"timerIntervalSeconds"`
	StopTimeoutSeconds   float64 `yaml:"stopTimeoutSeconds"`
}

// TelemetryConfig selects the metric export target.
type TelemetryConfig struct {
	OTLPEndpoint          string `yaml:"otlpEndpoint"`
	ServiceName           string `yaml:"serviceName"`
	ExportIntervalSeconds int    `yaml:"exportIntervalSeconds"`
}

// VenueConfig carries per-venue connection settings. Credential and extra
// values pass through to the adapter opaquely.
type VenueConfig struct {
	Host                      string            `yaml:"host"`
	Port                      int               `yaml:"port"`
	Credentials               map[string]string `yaml:"credentials"`
	Extra                     map[string]string `yaml:"extra"`
	ConnectTimeoutSeconds     float64           `yaml:"connectTimeoutSeconds"`
	HeartbeatIntervalSeconds  float64           `yaml:"heartbeatIntervalSeconds"`
	MaxMissedHeartbeats       int               `yaml:"maxMissedHeartbeats"`
	ReconnectBaseDelaySeconds float64           `yaml:"reconnectBaseDelaySeconds"`
	ReconnectMaxDelaySeconds  float64           `yaml:"reconnectMaxDelaySeconds"`
	MaxReconnectAttempts      int               `yaml:"maxReconnectAttempts"`
	OrdersPerSecond           float64           `yaml:"ordersPerSecond"`
}

// Settings converts the venue configuration into adapter settings.
func (v VenueConfig) Settings() adapter.Settings {
	return adapter.Settings{
		Host:                 v.Host,
		Port:                 v.Port,
		Credentials:          v.Credentials,
		Extra:                v.Extra,
		ConnectTimeout:       secondsToDuration(v.ConnectTimeoutSeconds),
		HeartbeatInterval:    secondsToDuration(v.HeartbeatIntervalSeconds),
		MaxMissedHeartbeats:  v.MaxMissedHeartbeats,
		ReconnectBaseDelay:   secondsToDuration(v.ReconnectBaseDelaySeconds),
		ReconnectMaxDelay:    secondsToDuration(v.ReconnectMaxDelaySeconds),
		MaxReconnectAttempts: v.MaxReconnectAttempts,
		OrdersPerSecond:      v.OrdersPerSecond,
	}.Normalize()
}

// Config is the root application configuration.
type Config struct {
	Debug     bool                   `yaml:"debug"`
	Bus       BusConfig              `yaml:"bus"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Venues    map[string]VenueConfig `yaml:"venues"`
}

func (c Config) normalize() Config {
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 4096
	}
	if c.Bus.TimerIntervalSeconds <= 0 {
		c.Bus.TimerIntervalSeconds = 1
	}
	if c.Bus.StopTimeoutSeconds <= 0 {
		c.Bus.StopTimeoutSeconds = 5
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradecore"
	}
	if c.Venues == nil {
		c.Venues = make(map[string]VenueConfig)
	}
	return c
}

// TimerInterval returns the bus timer interval as a duration.
func (c Config) TimerInterval() time.Duration {
	return secondsToDuration(c.Bus.TimerIntervalSeconds)
}

// StopTimeout returns the bus stop timeout as a duration.
func (c Config) StopTimeout() time.Duration {
	return secondsToDuration(c.Bus.StopTimeoutSeconds)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{}.normalize()
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration file when present, falling back to
// defaults when it does not exist.
func LoadOrDefault(path string) (Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), false, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

func (c Config) validate() error {
	for name, venue := range c.Venues {
		if name == "" {
			return fmt.Errorf("venue name must not be empty")
		}
		if venue.MaxMissedHeartbeats < 0 {
			return fmt.Errorf("venue %s: maxMissedHeartbeats must be >= 0", name)
		}
		if venue.ReconnectMaxDelaySeconds > 0 &&
			venue.ReconnectBaseDelaySeconds > venue.ReconnectMaxDelaySeconds {
			return fmt.Errorf("venue %s: reconnectBaseDelaySeconds exceeds reconnectMaxDelaySeconds", name)
		}
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
