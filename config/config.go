// Package config loads and validates the client configuration from YAML,
// with defaults suitable for production use.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/chatsync/errors"
)

// Storage kind constants
const (
	StorageKindSQLite = "sqlite"
	StorageKindMemory = "memory"
)

// Defaults applied by Load when fields are unset.
const (
	DefaultBaseURL          = "https://chat.c360.dev"
	DefaultWSURL            = "wss://chat.c360.dev/connect"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 25 * time.Second
	DefaultPongTimeout      = 10 * time.Second
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 25 * time.Second
	DefaultEventGapWindow   = 5 * time.Minute
	DefaultRateLimit        = 10.0
	DefaultRateBurst        = 20
)

// Duration wraps time.Duration so YAML accepts "500ms" style values.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StorageConfig selects the backing store.
type StorageConfig struct {
	Kind string `yaml:"kind" json:"kind"` // "sqlite" or "memory"
	Path string `yaml:"path" json:"path"` // database file path for sqlite
}

// TransportConfig tunes the HTTP API client.
type TransportConfig struct {
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
	RateLimit      float64  `yaml:"rate_limit" json:"rate_limit"` // requests per second
	RateBurst      int      `yaml:"rate_burst" json:"rate_burst"`
}

// WebSocketConfig tunes the streaming connection.
type WebSocketConfig struct {
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	PingInterval     Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout      Duration `yaml:"pong_timeout" json:"pong_timeout"`
}

// ReconnectConfig tunes the reconnection backoff policy. MaxAttempts zero
// means reconnect forever.
type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts" json:"max_attempts"`
}

// SyncConfig tunes missed-event recovery after reconnects.
type SyncConfig struct {
	// EventGapWindow is how stale the last-event watermark may be before a
	// reconnect triggers a missed-event fetch.
	EventGapWindow Duration `yaml:"event_gap_window" json:"event_gap_window"`
}

// Config is the complete client configuration.
type Config struct {
	APIKey    string          `yaml:"api_key" json:"api_key"`
	BaseURL   string          `yaml:"base_url" json:"base_url"`
	WSURL     string          `yaml:"ws_url" json:"ws_url"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket"`
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	LogLevel  string          `yaml:"log_level" json:"log_level"` // debug, info, warn, error
}

// Default returns a config with production defaults and the given API key.
func Default(apiKey string) *Config {
	cfg := &Config{APIKey: apiKey}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Parse", "decode yaml")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with production defaults. Hand-built
// configs should call it before Validate.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	if c.Storage.Kind == "" {
		if c.Storage.Path != "" {
			c.Storage.Kind = StorageKindSQLite
		} else {
			c.Storage.Kind = StorageKindMemory
		}
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Transport.RateLimit == 0 {
		c.Transport.RateLimit = DefaultRateLimit
	}
	if c.Transport.RateBurst == 0 {
		c.Transport.RateBurst = DefaultRateBurst
	}
	if c.WebSocket.HandshakeTimeout == 0 {
		c.WebSocket.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = Duration(DefaultPingInterval)
	}
	if c.WebSocket.PongTimeout == 0 {
		c.WebSocket.PongTimeout = Duration(DefaultPongTimeout)
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = Duration(DefaultReconnectInitial)
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = Duration(DefaultReconnectMax)
	}
	if c.Sync.EventGapWindow == 0 {
		c.Sync.EventGapWindow = Duration(DefaultEventGapWindow)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the config for unusable values.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.WrapFatal(errors.ErrMissingAPIKey, "config", "Validate", "check api key")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"base_url must be http(s): "+c.BaseURL)
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"ws_url must be ws(s): "+c.WSURL)
	}
	switch c.Storage.Kind {
	case StorageKindSQLite:
		if c.Storage.Path == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
				"storage.path required for sqlite")
		}
	case StorageKindMemory:
	default:
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"unknown storage.kind "+c.Storage.Kind)
	}
	if c.Reconnect.InitialDelay > c.Reconnect.MaxDelay {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"reconnect.initial_delay exceeds reconnect.max_delay")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"unknown log_level "+c.LogLevel)
	}
	return nil
}
