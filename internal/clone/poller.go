package clone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
)

var (
	// ErrStopped ends a poller that was stopped before the job finished
	ErrStopped = errors.New("clone polling stopped")

	// ErrPollTimeout ends a poller whose job stayed in processing past MaxWait
	ErrPollTimeout = errors.New("clone polling timed out")
)

// VoiceRefresher reloads a platform's voice list. Satisfied by
// *platform.Registry.
type VoiceRefresher interface {
	RefreshVoices(ctx context.Context, platformID string) error
}

// Config configures polling
type Config struct {
	Interval       time.Duration // Between status checks
	MaxWait        time.Duration // Give up after this long, 0 polls until a terminal status
	RequestTimeout time.Duration // Per status check and per voice refresh
	Logger         zerolog.Logger
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() Config {
	return Config{
		Interval:       3 * time.Second,
		MaxWait:        15 * time.Minute,
		RequestTimeout: 10 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Poller follows one clone job until it completes, fails, times out or is
// stopped. The outcome is reported exactly once.
type Poller struct {
	cloner    platform.Cloner
	refresher VoiceRefresher
	config    Config
	logger    zerolog.Logger

	mu  sync.Mutex
	job platform.CloneJob
	err error

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a poller for job. Polling starts with Start.
func NewPoller(job platform.CloneJob, cloner platform.Cloner, refresher VoiceRefresher, config Config) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Poller{
		cloner:    cloner,
		refresher: refresher,
		config:    config,
		logger: config.Logger.With().
			Str("component", "clone-poller").
			Str("clone_id", job.CloneID).
			Str("platform_id", job.PlatformID).
			Logger(),
		job:  job,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// Start begins polling in the background. ctx bounds the whole poll.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Job returns the latest caller-visible state of the job
func (p *Poller) Job() platform.CloneJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job
}

// Done is closed once the outcome is known
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Result returns the final job and error. Only meaningful after Done.
// A failed clone yields *platform.CloneFailedError.
func (p *Poller) Result() (platform.CloneJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job, p.err
}

// Wait blocks until the poller finishes or ctx ends
func (p *Poller) Wait(ctx context.Context) (platform.CloneJob, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return p.Job(), ctx.Err()
	}
}

// Stop ends polling. Safe to call more than once and after completion.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	if job := p.Job(); job.Status.Terminal() {
		p.settle(ctx, job)
		return
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if p.config.MaxWait > 0 {
		timer := time.NewTimer(p.config.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-p.stop:
			p.end(ErrStopped, "stopped")
			return
		case <-ctx.Done():
			p.end(fmt.Errorf("%w: %v", ErrStopped, ctx.Err()), "stopped")
			return
		case <-deadline:
			p.end(fmt.Errorf("%w after %s", ErrPollTimeout, p.config.MaxWait), "timeout")
			return
		case <-ticker.C:
		}

		job, ok := p.check(ctx)
		if !ok {
			continue
		}
		if job.Status.Terminal() {
			p.settle(ctx, job)
			return
		}
	}
}

// check fetches the provider status and merges it into the visible job.
// Errors are logged and polling continues.
func (p *Poller) check(ctx context.Context) (platform.CloneJob, bool) {
	current := p.Job()

	reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	status, err := p.cloner.CloneStatus(reqCtx, current.CloneID)
	cancel()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Clone status check failed, will retry")
		observability.RecordError("clone_status_failed", "clone")
		return current, false
	}

	next := current
	next.Status = status.Status
	if status.Progress > next.Progress {
		next.Progress = status.Progress
	}
	if status.ResultVoice != nil {
		next.ResultVoice = status.ResultVoice
	}
	next.ErrorMessage = status.ErrorMessage

	p.mu.Lock()
	p.job = next
	p.mu.Unlock()

	p.logger.Debug().Str("status", string(next.Status)).Int("progress", next.Progress).Msg("Clone status")
	return next, true
}

// settle reports a terminal provider status
func (p *Poller) settle(ctx context.Context, job platform.CloneJob) {
	switch job.Status {
	case platform.CloneCompleted:
		job.Progress = 100
		p.mu.Lock()
		p.job = job
		p.mu.Unlock()

		if p.refresher != nil {
			refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.RequestTimeout)
			if err := p.refresher.RefreshVoices(refreshCtx, job.PlatformID); err != nil {
				p.logger.Warn().Err(err).Msg("Voice refresh after clone failed")
			}
			cancel()
		}
		p.end(nil, string(platform.CloneCompleted))

	case platform.CloneFailed:
		msg := job.ErrorMessage
		if msg == "" {
			msg = "provider reported failure"
		}
		p.mu.Lock()
		p.job = job
		p.mu.Unlock()
		p.end(&platform.CloneFailedError{CloneID: job.CloneID, Message: msg}, string(platform.CloneFailed))
	}
}

func (p *Poller) end(err error, outcome string) {
	p.mu.Lock()
	p.err = err
	job := p.job
	p.mu.Unlock()

	observability.RecordCloneOutcome(outcome)

	event := p.logger.Info()
	if err != nil {
		event = p.logger.Warn().Err(err)
	}
	event.Str("outcome", outcome).Int("progress", job.Progress).Msg("Clone polling finished")
}
