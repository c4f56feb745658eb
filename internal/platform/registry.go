package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-bridge/internal/observability"
)

type entry struct {
	cfg     PlatformConfig
	adapter Adapter
}

// Info is the caller-facing view of a registered platform
type Info struct {
	ID            string  `json:"platform_id"`
	Kind          Kind    `json:"kind"`
	Priority      int     `json:"priority"`
	Active        bool    `json:"active"`
	SupportsClone bool    `json:"supports_clone"`
	RateLimit     float64 `json:"rate_limit"`
	CostPerUnit   float64 `json:"cost_per_unit"`
}

// Registry holds one adapter per enabled platform, ordered by priority.
// The ordered list is fixed at construction; only the active pointer and the
// voice cache change afterwards.
type Registry struct {
	entries     []*entry
	byID        map[string]*entry
	active      atomic.Pointer[entry]
	recommender Recommender
	logger      zerolog.Logger

	voiceMu sync.Mutex
	voices  map[string][]VoiceDescriptor
}

// Option configures a Registry
type Option func(*Registry)

// WithRecommender sets the external recommendation service
func WithRecommender(rec Recommender) Option {
	return func(r *Registry) {
		r.recommender = rec
	}
}

// WithLogger sets the registry logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry builds adapters for every enabled config and sorts them by
// ascending priority. Ties keep declaration order.
func NewRegistry(configs []PlatformConfig, factory Factory, opts ...Option) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*entry),
		voices: make(map[string][]VoiceDescriptor),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "platform-registry").Logger()

	for _, cfg := range configs {
		if !cfg.Enabled {
			r.logger.Debug().Str("platform_id", cfg.ID).Msg("Skipping disabled platform")
			continue
		}
		if _, dup := r.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate platform id %q", cfg.ID)
		}
		adapter, err := factory(cfg)
		if err != nil {
			r.closeAdapters()
			return nil, fmt.Errorf("failed to create adapter for %s: %w", cfg.ID, err)
		}
		e := &entry{cfg: cfg, adapter: adapter}
		r.entries = append(r.entries, e)
		r.byID[cfg.ID] = e
	}

	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].cfg.Priority < r.entries[j].cfg.Priority
	})

	if len(r.entries) > 0 {
		r.active.Store(r.entries[0])
		observability.SetActivePlatform(r.entries[0].cfg.ID)
	}

	r.logger.Info().
		Int("platforms", len(r.entries)).
		Str("active", r.ActiveID()).
		Msg("Platform registry initialized")

	return r, nil
}

// Active returns the active adapter, or nil when no platform is configured
func (r *Registry) Active() Adapter {
	e := r.active.Load()
	if e == nil {
		return nil
	}
	return e.adapter
}

// ActiveID returns the active platform id, or "" when none is configured
func (r *Registry) ActiveID() string {
	e := r.active.Load()
	if e == nil {
		return ""
	}
	return e.cfg.ID
}

// SwitchTo makes platformID the active platform. It returns false and leaves
// the active platform untouched when platformID is not registered.
func (r *Registry) SwitchTo(platformID string) bool {
	e, ok := r.byID[platformID]
	if !ok {
		r.logger.Warn().Str("platform_id", platformID).Msg("Switch to unknown platform ignored")
		return false
	}
	prev := r.active.Swap(e)
	observability.SetActivePlatform(platformID)

	event := r.logger.Info().Str("platform_id", platformID)
	if prev != nil {
		event = event.Str("previous", prev.cfg.ID)
	}
	event.Msg("Active platform switched")
	return true
}

// Get returns the adapter registered under platformID
func (r *Registry) Get(platformID string) (Adapter, bool) {
	e, ok := r.byID[platformID]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// PriorityList returns the adapters in fallback order. The slice is a copy.
func (r *Registry) PriorityList() []Adapter {
	out := make([]Adapter, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.adapter
	}
	return out
}

// Len returns the number of registered platforms
func (r *Registry) Len() int {
	return len(r.entries)
}

// Platforms lists registered platforms in priority order
func (r *Registry) Platforms() []Info {
	activeID := r.ActiveID()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		_, canClone := AsCloner(e.adapter)
		out = append(out, Info{
			ID:            e.cfg.ID,
			Kind:          e.cfg.Kind,
			Priority:      e.cfg.Priority,
			Active:        e.cfg.ID == activeID,
			SupportsClone: canClone,
			RateLimit:     e.cfg.RateLimit,
			CostPerUnit:   e.cfg.CostPerUnit,
		})
	}
	return out
}

// Recommend asks the recommendation service for a platform. On any failure,
// or when the answer is not a registered platform, it falls back to the
// first platform in priority order. Returns "" when nothing is registered.
func (r *Registry) Recommend(ctx context.Context, criteria Criteria) string {
	if len(r.entries) == 0 {
		return ""
	}
	fallback := r.entries[0].cfg.ID
	if r.recommender == nil {
		return fallback
	}

	candidates := make([]string, len(r.entries))
	for i, e := range r.entries {
		candidates[i] = e.cfg.ID
	}

	id, err := r.recommender.Recommend(ctx, criteria, candidates)
	if err != nil {
		r.logger.Warn().Err(err).Str("fallback", fallback).Msg("Recommendation failed, using priority order")
		observability.RecordError("recommend_failed", "registry")
		return fallback
	}
	if _, ok := r.byID[id]; !ok {
		r.logger.Warn().Str("recommended", id).Str("fallback", fallback).Msg("Recommended platform not registered")
		return fallback
	}
	return id
}

// Voices returns the voices of a platform, loading them on first use
func (r *Registry) Voices(ctx context.Context, platformID, language string) ([]VoiceDescriptor, error) {
	e, ok := r.byID[platformID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformNotFound, platformID)
	}

	r.voiceMu.Lock()
	cached, hit := r.voices[platformID]
	r.voiceMu.Unlock()

	if !hit {
		loaded, err := e.adapter.ListVoices(ctx, "")
		if err != nil {
			return nil, err
		}
		r.storeVoices(platformID, loaded)
		cached = loaded
	}

	out := make([]VoiceDescriptor, 0, len(cached))
	for _, v := range cached {
		if v.MatchesLanguage(language) {
			out = append(out, v)
		}
	}
	return out, nil
}

// RefreshVoices reloads the voice list of a platform, replacing the cache
func (r *Registry) RefreshVoices(ctx context.Context, platformID string) error {
	e, ok := r.byID[platformID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlatformNotFound, platformID)
	}
	voices, err := e.adapter.ListVoices(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to refresh voices for %s: %w", platformID, err)
	}
	r.storeVoices(platformID, voices)
	r.logger.Info().Str("platform_id", platformID).Int("voices", len(voices)).Msg("Voice list refreshed")
	return nil
}

func (r *Registry) storeVoices(platformID string, voices []VoiceDescriptor) {
	snapshot := make([]VoiceDescriptor, len(voices))
	copy(snapshot, voices)
	r.voiceMu.Lock()
	r.voices[platformID] = snapshot
	r.voiceMu.Unlock()
}

// TestAll runs TestConnection on every platform concurrently
func (r *Registry) TestAll(ctx context.Context) map[string]bool {
	results := make([]bool, len(r.entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range r.entries {
		i, e := i, e
		g.Go(func() error {
			results[i] = e.adapter.TestConnection(gctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(r.entries))
	for i, e := range r.entries {
		out[e.cfg.ID] = results[i]
	}
	return out
}

// Close releases adapter resources
func (r *Registry) Close() error {
	return r.closeAdapters()
}

func (r *Registry) closeAdapters() error {
	var errs []error
	for _, e := range r.entries {
		if c, ok := e.adapter.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.cfg.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
