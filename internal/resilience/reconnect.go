package resilience

import (
	"context"
	"fmt"
	"time"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Wait before each attempt
	Multiplier  float64       // Backoff multiplier, values <= 1 keep the interval fixed
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     1 * time.Second,
		Multiplier:  1.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc attempts to reconnect. attempt starts at 1.
type ReconnectFunc func(ctx context.Context, attempt int) error

// ExhaustedError is returned when every reconnection attempt failed
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to reconnect after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Reconnect waits the backoff interval and then attempts fn, up to
// MaxAttempts times. It returns nil on the first success, ctx.Err() if ctx
// ends first, or an *ExhaustedError.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		wait := CalculateBackoff(attempt, config.Backoff, config.MaxBackoff, config.Multiplier)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := fn(ctx, attempt+1); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return &ExhaustedError{Attempts: config.MaxAttempts, Last: lastErr}
}
