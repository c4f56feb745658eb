package tts

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// Timeouts bounds each adapter operation. Synthesis and cloning get more
// room than a connection test.
type Timeouts struct {
	TestConnection time.Duration
	ListVoices     time.Duration
	Synthesis      time.Duration
	Clone          time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TestConnection: 5 * time.Second,
		ListVoices:     10 * time.Second,
		Synthesis:      60 * time.Second,
		Clone:          120 * time.Second,
	}
}

// Options are shared by every adapter built by the factory
type Options struct {
	Timeouts Timeouts

	// Circuit breaker per platform. MaxFailures <= 0 disables tripping.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Retry policy for idempotent calls (voice listing, status checks)
	Retry *resilience.RetryConfig

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// DefaultOptions returns options suitable for tests and local runs
func DefaultOptions() Options {
	return Options{
		Timeouts:            DefaultTimeouts(),
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
		Retry:               resilience.DefaultRetryConfig(),
		HTTPClient:          &http.Client{},
		Logger:              zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultTimeouts()
	if o.Timeouts.TestConnection <= 0 {
		o.Timeouts.TestConnection = def.TestConnection
	}
	if o.Timeouts.ListVoices <= 0 {
		o.Timeouts.ListVoices = def.ListVoices
	}
	if o.Timeouts.Synthesis <= 0 {
		o.Timeouts.Synthesis = def.Synthesis
	}
	if o.Timeouts.Clone <= 0 {
		o.Timeouts.Clone = def.Clone
	}
	if o.Retry == nil {
		o.Retry = resilience.DefaultRetryConfig()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}
