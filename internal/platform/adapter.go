package platform

import "context"

// Adapter is the capability surface every voice platform implements
type Adapter interface {
	// ID returns the configured platform id
	ID() string

	// Kind returns the provider kind backing this adapter
	Kind() Kind

	// TestConnection performs a lightweight round-trip. It never returns an
	// error; failures are logged by the adapter and reported as false.
	TestConnection(ctx context.Context) bool

	// ListVoices returns the voices for a language ("" for all).
	// An empty slice is a valid answer.
	ListVoices(ctx context.Context, language string) ([]VoiceDescriptor, error)

	// Synthesize converts text to audio
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
}

// Cloner is the optional voice cloning capability
type Cloner interface {
	// Clone submits a clone request and returns the created job
	Clone(ctx context.Context, req CloneRequest) (*CloneJob, error)

	// CloneStatus fetches the current state of a clone job
	CloneStatus(ctx context.Context, cloneID string) (*CloneJob, error)
}

// AsCloner returns the clone capability of an adapter if it has one
func AsCloner(a Adapter) (Cloner, bool) {
	c, ok := a.(Cloner)
	return c, ok
}

// Recommender scores platforms for a set of criteria. Implemented by an
// external recommendation service.
type Recommender interface {
	Recommend(ctx context.Context, criteria Criteria, candidates []string) (string, error)
}

// Factory builds an adapter for a platform config
type Factory func(cfg PlatformConfig) (Adapter, error)
