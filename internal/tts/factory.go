package tts

import (
	"fmt"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

// NewAdapter builds the adapter for cfg.Kind
func NewAdapter(cfg platform.PlatformConfig, opts Options) (platform.Adapter, error) {
	var (
		adapter platform.Adapter
		err     error
	)
	switch cfg.Kind {
	case platform.KindCartesia:
		adapter, err = asAdapter(NewCartesiaAdapter(cfg, opts))
	case platform.KindElevenLabs:
		adapter, err = asAdapter(NewElevenLabsAdapter(cfg, opts))
	case platform.KindDeepgram:
		adapter, err = asAdapter(NewDeepgramAdapter(cfg, opts))
	case platform.KindBackend:
		adapter, err = asAdapter(NewBackendAdapter(cfg, opts))
	default:
		return nil, fmt.Errorf("platform %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// asAdapter keeps a failed constructor from yielding a typed nil adapter
func asAdapter[T platform.Adapter](a T, err error) (platform.Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Factory returns a platform.Factory that builds adapters with opts
func Factory(opts Options) platform.Factory {
	return func(cfg platform.PlatformConfig) (platform.Adapter, error) {
		return NewAdapter(cfg, opts)
	}
}
