package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
)

const (
	opSynthesize = "synthesize"
	opClone      = "clone"
)

// Source supplies adapters in fallback order. *platform.Registry satisfies it.
type Source interface {
	PriorityList() []platform.Adapter
}

// Orchestrator drives one request across the priority list until an adapter
// succeeds. It holds no per-request state, so one instance serves any
// number of concurrent calls.
type Orchestrator struct {
	source             Source
	stopOnNonRetryable bool
	logger             zerolog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithStopOnNonRetryable ends the chain at the first non-retryable provider
// error instead of moving on to the next platform
func WithStopOnNonRetryable(stop bool) Option {
	return func(o *Orchestrator) {
		o.stopOnNonRetryable = stop
	}
}

// WithLogger sets the orchestrator logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator over source
func New(source Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{source: source, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "fallback").Logger()
	return o
}

// Synthesize tries each platform once, in priority order, and returns the
// first successful result with PlatformUsed set to the platform that
// produced it.
func (o *Orchestrator) Synthesize(ctx context.Context, req platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	return run(ctx, o, opSynthesize, func(ctx context.Context, a platform.Adapter) (*platform.SynthesisResult, error) {
		started := time.Now()
		result, err := a.Synthesize(ctx, req)
		observability.RecordSynthesis(a.ID(), err == nil, time.Since(started))
		if err != nil {
			return nil, err
		}
		result.PlatformUsed = a.ID()
		return result, nil
	})
}

// Clone submits req to the first platform that accepts it. Platforms without
// clone support count as failed for this call only.
func (o *Orchestrator) Clone(ctx context.Context, req platform.CloneRequest) (*platform.CloneJob, error) {
	return run(ctx, o, opClone, func(ctx context.Context, a platform.Adapter) (*platform.CloneJob, error) {
		cloner, ok := platform.AsCloner(a)
		if !ok {
			return nil, platform.NewProviderError(a.ID(), platform.CodeUnsupported, true, platform.ErrCloneUnsupported)
		}
		job, err := cloner.Clone(ctx, req)
		if err != nil {
			return nil, err
		}
		job.PlatformID = a.ID()
		return job, nil
	})
}

// run is the fallback loop shared by every operation. Each adapter is called
// at most once and awaited before the next one is tried. Waiting stops as
// soon as ctx ends, even if the adapter does not honor it.
func run[T any](ctx context.Context, o *Orchestrator, op string, attempt func(context.Context, platform.Adapter) (T, error)) (T, error) {
	var zero T
	adapters := o.source.PriorityList()
	attempted := make([]string, 0, len(adapters))
	var lastErr error

	for _, adapter := range adapters {
		if err := ctx.Err(); err != nil {
			o.logger.Info().Str("operation", op).Strs("attempted", attempted).Msg("Request abandoned by caller")
			return zero, err
		}

		id := adapter.ID()
		attempted = append(attempted, id)

		result, err := await(ctx, adapter, attempt)
		if errors.Is(err, errAbandoned) {
			o.logger.Info().Str("operation", op).Str("platform_id", id).Strs("attempted", attempted).Msg("Request abandoned by caller")
			observability.RecordFallbackAttempt(op, id, "abandoned")
			return zero, ctx.Err()
		}
		if err == nil {
			observability.RecordFallbackAttempt(op, id, "success")
			if len(attempted) > 1 {
				o.logger.Info().
					Str("operation", op).
					Str("platform_id", id).
					Strs("attempted", attempted).
					Msg("Request succeeded on fallback platform")
			}
			return result, nil
		}

		lastErr = err
		observability.RecordFallbackAttempt(op, id, outcome(err))
		o.logger.Warn().
			Err(err).
			Str("operation", op).
			Str("platform_id", id).
			Bool("retryable", platform.IsRetryable(err)).
			Msg("Platform failed, trying next")

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if o.stopOnNonRetryable && !platform.IsRetryable(err) {
			return zero, err
		}
	}

	if lastErr == nil {
		lastErr = platform.ErrNoPlatforms
	}
	observability.RecordFallbackExhausted(op)
	o.logger.Error().
		Err(lastErr).
		Str("operation", op).
		Strs("attempted", attempted).
		Msg("All platforms exhausted")
	return zero, &platform.AllPlatformsExhaustedError{Attempted: attempted, Last: lastErr}
}

// errAbandoned marks an attempt the caller stopped waiting for
var errAbandoned = errors.New("attempt abandoned")

type attemptResult[T any] struct {
	value T
	err   error
}

// await runs one attempt and returns as soon as it finishes or ctx ends.
// An adapter that ignores ctx keeps running in the background; its result
// is dropped.
func await[T any](ctx context.Context, adapter platform.Adapter, attempt func(context.Context, platform.Adapter) (T, error)) (T, error) {
	done := make(chan attemptResult[T], 1)
	go func() {
		value, err := attempt(ctx, adapter)
		done <- attemptResult[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, errAbandoned
	}
}

func outcome(err error) string {
	if errors.Is(err, platform.ErrCloneUnsupported) {
		return "skipped"
	}
	return "failure"
}
