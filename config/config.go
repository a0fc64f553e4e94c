// Package config loads client settings from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for unset values.
const (
	DefaultAddress              = "127.0.0.1:1113"
	DefaultMaxRetries           = 10
	DefaultOperationTimeout     = 7 * time.Second
	DefaultTimeoutCheckInterval = time.Second
	DefaultInitialBackoff       = 50 * time.Millisecond
	DefaultMaxBackoff           = 2 * time.Second
	DefaultLateFrameTTL         = time.Minute
	DefaultMaxFrameSize         = 64 * 1024 * 1024
)

// ErrInvalid is returned when a loaded value is out of range.
var ErrInvalid = errors.New("invalid config")

// Config is the client configuration file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Framing    FramingConfig    `yaml:"framing"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig locates the event store.
type ServerConfig struct {
	// Address is the host:port to dial.
	Address string `yaml:"address"`
}

// DispatcherConfig is the retry and timeout policy.
type DispatcherConfig struct {
	// MaxRetries bounds re-sends per operation; a negative value disables retries.
	MaxRetries int `yaml:"max_retries"`
	// OperationTimeout is how long an attempt may wait for its reply.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// TimeoutCheckInterval is how often attempts are checked for timeouts.
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
	// InitialBackoff is the first delay before a re-send.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between re-sends.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// LateFrameTTL is how long a retired id is remembered.
	LateFrameTTL time.Duration `yaml:"late_frame_ttl"`
}

// FramingConfig limits inbound frames.
type FramingConfig struct {
	// MaxFrameSize is the largest accepted frame in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics when set, e.g. ":9102".
	Address string `yaml:"address"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads path, expands ${VAR} references from the environment and
// applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Dispatcher.MaxRetries == 0 {
		c.Dispatcher.MaxRetries = DefaultMaxRetries
	}
	if c.Dispatcher.OperationTimeout == 0 {
		c.Dispatcher.OperationTimeout = DefaultOperationTimeout
	}
	if c.Dispatcher.TimeoutCheckInterval == 0 {
		c.Dispatcher.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if c.Dispatcher.InitialBackoff == 0 {
		c.Dispatcher.InitialBackoff = DefaultInitialBackoff
	}
	if c.Dispatcher.MaxBackoff == 0 {
		c.Dispatcher.MaxBackoff = DefaultMaxBackoff
	}
	if c.Dispatcher.LateFrameTTL == 0 {
		c.Dispatcher.LateFrameTTL = DefaultLateFrameTTL
	}
	if c.Framing.MaxFrameSize == 0 {
		c.Framing.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Dispatcher.OperationTimeout < 0 {
		return fmt.Errorf("%w: dispatcher.operation_timeout must be positive", ErrInvalid)
	}
	if c.Dispatcher.TimeoutCheckInterval < 0 {
		return fmt.Errorf("%w: dispatcher.timeout_check_interval must be positive", ErrInvalid)
	}
	if c.Dispatcher.InitialBackoff < 0 || c.Dispatcher.MaxBackoff < c.Dispatcher.InitialBackoff {
		return fmt.Errorf("%w: dispatcher backoff must satisfy 0 <= initial_backoff <= max_backoff", ErrInvalid)
	}
	if c.Framing.MaxFrameSize < 0 {
		return fmt.Errorf("%w: framing.max_frame_size must be positive", ErrInvalid)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown logging.level %q", ErrInvalid, s)
	}
}
