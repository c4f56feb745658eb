package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Path to the YAML platform list. Credentials inside it may reference
	// environment variables as ${NAME}.
	PlatformsFile string `envconfig:"PLATFORMS_FILE" default:"platforms.yaml"`

	// Per-operation adapter timeouts
	TestConnectionTimeout time.Duration `envconfig:"TEST_CONNECTION_TIMEOUT" default:"5s"`
	ListVoicesTimeout     time.Duration `envconfig:"LIST_VOICES_TIMEOUT" default:"10s"`
	SynthesisTimeout      time.Duration `envconfig:"SYNTHESIS_TIMEOUT" default:"60s"`
	CloneTimeout          time.Duration `envconfig:"CLONE_TIMEOUT" default:"120s"`

	// Fallback policy. When false every failure moves on to the next platform.
	FallbackStopOnNonRetryable bool `envconfig:"FALLBACK_STOP_ON_NON_RETRYABLE" default:"false"`

	// Streaming synthesis endpoint
	StreamURL            string `envconfig:"STREAM_URL" default:""`
	StreamAPIKey         string `envconfig:"STREAM_API_KEY" default:""`
	StreamMaxBufferBytes int    `envconfig:"STREAM_MAX_BUFFER_BYTES" default:"33554432"` // 0 disables the limit

	// Clone polling
	ClonePollInterval int `envconfig:"CLONE_POLL_INTERVAL" default:"3000"` // Milliseconds between status checks
	ClonePollMaxWait  int `envconfig:"CLONE_POLL_MAX_WAIT" default:"900"`  // Seconds, 0 polls until terminal

	// Recommendation service (gRPC). Empty disables it.
	RecommenderURL        string `envconfig:"RECOMMENDER_URL" default:""`
	RecommenderTLSEnabled bool   `envconfig:"RECOMMENDER_TLS_ENABLED" default:"false"`
	RecommenderTimeout    int    `envconfig:"RECOMMENDER_TIMEOUT" default:"2"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that envconfig cannot express
func (c *Config) Validate() error {
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0, got %d", c.ReconnectMaxAttempts)
	}
	if c.ReconnectBackoff < 0 {
		return fmt.Errorf("RECONNECT_BACKOFF must be >= 0, got %d", c.ReconnectBackoff)
	}
	if c.ClonePollInterval <= 0 {
		return fmt.Errorf("CLONE_POLL_INTERVAL must be > 0, got %d", c.ClonePollInterval)
	}
	if c.ClonePollMaxWait < 0 {
		return fmt.Errorf("CLONE_POLL_MAX_WAIT must be >= 0, got %d", c.ClonePollMaxWait)
	}
	if c.StreamMaxBufferBytes < 0 {
		return fmt.Errorf("STREAM_MAX_BUFFER_BYTES must be >= 0, got %d", c.StreamMaxBufferBytes)
	}
	for name, d := range map[string]time.Duration{
		"TEST_CONNECTION_TIMEOUT": c.TestConnectionTimeout,
		"LIST_VOICES_TIMEOUT":     c.ListVoicesTimeout,
		"SYNTHESIS_TIMEOUT":       c.SynthesisTimeout,
		"CLONE_TIMEOUT":           c.CloneTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// ReconnectBackoffDuration returns RECONNECT_BACKOFF as a duration
func (c *Config) ReconnectBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectBackoff) * time.Millisecond
}

// ClonePollIntervalDuration returns CLONE_POLL_INTERVAL as a duration
func (c *Config) ClonePollIntervalDuration() time.Duration {
	return time.Duration(c.ClonePollInterval) * time.Millisecond
}

// ClonePollMaxWaitDuration returns CLONE_POLL_MAX_WAIT as a duration
func (c *Config) ClonePollMaxWaitDuration() time.Duration {
	return time.Duration(c.ClonePollMaxWait) * time.Second
}

// RecommenderTimeoutDuration returns RECOMMENDER_TIMEOUT as a duration
func (c *Config) RecommenderTimeoutDuration() time.Duration {
	return time.Duration(c.RecommenderTimeout) * time.Second
}

// CircuitBreakerResetDuration returns CIRCUIT_BREAKER_RESET_TIMEOUT as a duration
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// RetryInitialBackoffDuration returns RETRY_INITIAL_BACKOFF as a duration
func (c *Config) RetryInitialBackoffDuration() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}
