package leaseq

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Defaults applied when configuration values are absent.
const (
	DefaultLeaseDuration       = 30 * time.Second
	DefaultMaxPayloadBytes     = 1 << 20 // 1 MiB
	DefaultEventBufferSize     = 256
	DefaultDeadLetterRetention = 1000
	DefaultPollInterval        = 200 * time.Millisecond
	DefaultMaxPollInterval     = 2 * time.Second
	DefaultExecTimeout         = time.Minute
	DefaultMinWorkers          = 1
	DefaultMaxWorkers          = 8
	DefaultRetryBackoffBase    = 500 * time.Millisecond
	DefaultRetryBackoffMax     = 5 * time.Minute
	DefaultAdjustInterval      = 5 * time.Second
	DefaultErrorRateThreshold  = 0.5
)

// Config represents engine configuration.
type Config struct {
	// Backend tuning.
	LeaseDuration       time.Duration `env:"LEASEQ_LEASE_DURATION" envDefault:"30s"`
	MaxPayloadBytes     int           `env:"LEASEQ_MAX_PAYLOAD_BYTES" envDefault:"1048576"`
	EventBufferSize     int           `env:"LEASEQ_EVENT_BUFFER_SIZE" envDefault:"256"`
	DeadLetterRetention int           `env:"LEASEQ_DEAD_LETTER_RETENTION" envDefault:"1000"`

	// Executor tuning.
	PollInterval      time.Duration `env:"LEASEQ_POLL_INTERVAL" envDefault:"200ms"`
	MaxPollInterval   time.Duration `env:"LEASEQ_MAX_POLL_INTERVAL" envDefault:"2s"`
	ExecTimeout       time.Duration `env:"LEASEQ_EXEC_TIMEOUT" envDefault:"1m"`
	HeartbeatInterval time.Duration `env:"LEASEQ_HEARTBEAT_INTERVAL" envDefault:"0s"`
	MinWorkers        int           `env:"LEASEQ_MIN_WORKERS" envDefault:"1"`
	MaxWorkers        int           `env:"LEASEQ_MAX_WORKERS" envDefault:"8"`
	RetryBackoffBase  time.Duration `env:"LEASEQ_RETRY_BACKOFF_BASE" envDefault:"500ms"`
	RetryBackoffMax   time.Duration `env:"LEASEQ_RETRY_BACKOFF_MAX" envDefault:"5m"`

	// Concurrency controller tuning.
	AdjustInterval     time.Duration `env:"LEASEQ_ADJUST_INTERVAL" envDefault:"5s"`
	ErrorRateThreshold float64       `env:"LEASEQ_ERROR_RATE_THRESHOLD" envDefault:"0.5"`
}

// LoadConfig loads engine configuration from LEASEQ_* environment variables,
// falling back to the documented defaults for anything unset.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration defaults without consulting the
// environment.
func DefaultConfig() *Config {
	return &Config{
		LeaseDuration:       DefaultLeaseDuration,
		MaxPayloadBytes:     DefaultMaxPayloadBytes,
		EventBufferSize:     DefaultEventBufferSize,
		DeadLetterRetention: DefaultDeadLetterRetention,
		PollInterval:        DefaultPollInterval,
		MaxPollInterval:     DefaultMaxPollInterval,
		ExecTimeout:         DefaultExecTimeout,
		MinWorkers:          DefaultMinWorkers,
		MaxWorkers:          DefaultMaxWorkers,
		RetryBackoffBase:    DefaultRetryBackoffBase,
		RetryBackoffMax:     DefaultRetryBackoffMax,
		AdjustInterval:      DefaultAdjustInterval,
		ErrorRateThreshold:  DefaultErrorRateThreshold,
	}
}

// BackendConfig tunes one backend instance.
type BackendConfig struct {
	// LeaseDuration is how long a dequeue claim stays exclusive without a
	// heartbeat (default: 30s).
	LeaseDuration time.Duration

	// MaxPayloadBytes caps enqueued payload sizes (default: 1 MiB).
	// Zero means the default; a negative value disables the cap.
	MaxPayloadBytes int

	// EventBufferSize is the per-subscriber event channel capacity (default: 256).
	EventBufferSize int

	// DeadLetterRetention is how many permanently failed jobs are retained per
	// queue for inspection (default: 1000). Zero means the default; a negative
	// value disables the dead-letter capability.
	DeadLetterRetention int

	// Logger used by the backend (default: slog.Default()).
	Logger *slog.Logger
}

// BackendConfig derives backend tuning from the engine configuration.
func (c *Config) BackendConfig() *BackendConfig {
	return &BackendConfig{
		LeaseDuration:       c.LeaseDuration,
		MaxPayloadBytes:     c.MaxPayloadBytes,
		EventBufferSize:     c.EventBufferSize,
		DeadLetterRetention: c.DeadLetterRetention,
	}
}

// ExecutorConfig derives executor tuning for the given queues from the engine
// configuration.
func (c *Config) ExecutorConfig(queues ...string) *ExecutorConfig {
	return &ExecutorConfig{
		Queues:             queues,
		MinWorkers:         c.MinWorkers,
		MaxWorkers:         c.MaxWorkers,
		PollInterval:       c.PollInterval,
		MaxPollInterval:    c.MaxPollInterval,
		ExecTimeout:        c.ExecTimeout,
		HeartbeatInterval:  c.HeartbeatInterval,
		RetryBackoffBase:   c.RetryBackoffBase,
		RetryBackoffMax:    c.RetryBackoffMax,
		AdjustInterval:     c.AdjustInterval,
		ErrorRateThreshold: c.ErrorRateThreshold,
	}
}

func (c *BackendConfig) withDefaults() BackendConfig {
	out := BackendConfig{}
	if c != nil {
		out = *c
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = DefaultLeaseDuration
	}
	if out.MaxPayloadBytes == 0 {
		out.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if out.EventBufferSize <= 0 {
		out.EventBufferSize = DefaultEventBufferSize
	}
	if out.DeadLetterRetention == 0 {
		out.DeadLetterRetention = DefaultDeadLetterRetention
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (c BackendConfig) deadLetterEnabled() bool {
	return c.DeadLetterRetention > 0
}

func (c BackendConfig) payloadCap() int {
	if c.MaxPayloadBytes < 0 {
		return 0
	}
	return c.MaxPayloadBytes
}
