package clone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

// ErrUnknownClone is returned for clone ids the manager is not tracking
var ErrUnknownClone = errors.New("unknown clone id")

// Manager owns the pollers of every clone job submitted through the service.
// Finished jobs stay queryable until Stop or Close.
type Manager struct {
	refresher VoiceRefresher
	config    Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewManager creates a manager. refresher may be nil.
func NewManager(refresher VoiceRefresher, config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		refresher: refresher,
		config:    config,
		logger:    config.Logger.With().Str("component", "clone-manager").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		pollers:   make(map[string]*Poller),
	}
}

// Track starts polling job on cloner. Tracking an id twice returns the
// existing poller.
func (m *Manager) Track(job *platform.CloneJob, cloner platform.Cloner) *Poller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pollers[job.CloneID]; ok {
		return p
	}
	p := NewPoller(*job, cloner, m.refresher, m.config)
	m.pollers[job.CloneID] = p
	p.Start(m.ctx)

	m.logger.Info().
		Str("clone_id", job.CloneID).
		Str("platform_id", job.PlatformID).
		Str("status", string(job.Status)).
		Msg("Tracking clone job")
	return p
}

// Status returns the current state of a tracked job. The error is the
// poller's outcome once it has finished.
func (m *Manager) Status(cloneID string) (platform.CloneJob, error) {
	p, ok := m.get(cloneID)
	if !ok {
		return platform.CloneJob{}, fmt.Errorf("%w: %s", ErrUnknownClone, cloneID)
	}
	select {
	case <-p.Done():
		return p.Result()
	default:
		return p.Job(), nil
	}
}

// Poller returns the poller tracking cloneID
func (m *Manager) Poller(cloneID string) (*Poller, bool) {
	return m.get(cloneID)
}

// Stop stops polling cloneID and forgets it
func (m *Manager) Stop(cloneID string) error {
	m.mu.Lock()
	p, ok := m.pollers[cloneID]
	delete(m.pollers, cloneID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClone, cloneID)
	}
	p.Stop()
	return nil
}

// Len returns the number of tracked jobs
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}

// Close stops every poller and waits for them to exit
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	pollers := make([]*Poller, 0, len(m.pollers))
	for id, p := range m.pollers {
		pollers = append(pollers, p)
		delete(m.pollers, id)
	}
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
		<-p.Done()
	}
}

func (m *Manager) get(cloneID string) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[cloneID]
	return p, ok
}
