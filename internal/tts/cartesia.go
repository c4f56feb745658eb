package tts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

const (
	cartesiaDefaultEndpoint = "https://api.cartesia.ai"
	cartesiaVersion         = "2024-06-10"
	cartesiaDefaultModel    = "sonic-english"
	cartesiaNativeRate      = 24000 // Raw PCM is always requested at this rate
)

// CartesiaAdapter synthesizes through Cartesia's bytes endpoint. Raw PCM is
// requested and converted locally to the caller's format.
type CartesiaAdapter struct {
	*base
	apiKey string
}

type cartesiaVoiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceRef     `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
	Speed        float64              `json:"speed,omitempty"`
}

type cartesiaVoice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Gender      string `json:"gender"`
	IsPublic    bool   `json:"is_public"`
}

// NewCartesiaAdapter creates a Cartesia adapter
func NewCartesiaAdapter(cfg platform.PlatformConfig, opts Options) (*CartesiaAdapter, error) {
	apiKey := cfg.Credential("api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("cartesia platform %s: api_key credential is required", cfg.ID)
	}
	return &CartesiaAdapter{base: newBase(cfg, opts), apiKey: apiKey}, nil
}

func (c *CartesiaAdapter) headers() map[string]string {
	return map[string]string{
		"X-API-Key":        c.apiKey,
		"Cartesia-Version": cartesiaVersion,
	}
}

// TestConnection lists voices as a lightweight round-trip
func (c *CartesiaAdapter) TestConnection(ctx context.Context) bool {
	return c.probe(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.endpoint(cartesiaDefaultEndpoint, "/voices"), c.headers(), nil, nil)
	})
}

// ListVoices returns the voices for a language ("" for all)
func (c *CartesiaAdapter) ListVoices(ctx context.Context, language string) ([]platform.VoiceDescriptor, error) {
	var voices []cartesiaVoice
	err := c.callWithRetry(ctx, c.opts.Timeouts.ListVoices, func(ctx context.Context) error {
		voices = nil
		return c.doJSON(ctx, http.MethodGet, c.endpoint(cartesiaDefaultEndpoint, "/voices"), c.headers(), nil, &voices)
	})
	if err != nil {
		return nil, err
	}

	out := make([]platform.VoiceDescriptor, 0, len(voices))
	for _, v := range voices {
		d := c.descriptor(v)
		if d.MatchesLanguage(language) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *CartesiaAdapter) descriptor(v cartesiaVoice) platform.VoiceDescriptor {
	return platform.VoiceDescriptor{
		VoiceID:         platform.VoiceID(c.cfg.ID, v.ID),
		DisplayName:     v.Name,
		PlatformID:      c.cfg.ID,
		ProviderVoiceID: v.ID,
		Gender:          parseGender(v.Gender),
		Language:        v.Language,
		Style:           v.Description,
		IsCustom:        !v.IsPublic,
	}
}

// Synthesize converts text to audio
func (c *CartesiaAdapter) Synthesize(ctx context.Context, req platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	started := time.Now()
	req, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	body := cartesiaRequest{
		ModelID:    c.model(cartesiaDefaultModel),
		Transcript: req.Text,
		Voice:      cartesiaVoiceRef{Mode: "id", ID: platform.ProviderVoiceID(req.VoiceID)},
		Speed:      req.Speed,
	}
	if req.Format == platform.FormatMP3 {
		body.OutputFormat = cartesiaOutputFormat{Container: "mp3", SampleRate: 44100, BitRate: mp3BitRate}
	} else {
		body.OutputFormat = cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: cartesiaNativeRate}
	}

	var data []byte
	err = c.call(ctx, c.opts.Timeouts.Synthesis, func(ctx context.Context) error {
		raw, err := c.send(ctx, http.MethodPost, c.endpoint(cartesiaDefaultEndpoint, "/tts/bytes"), c.headers(), body)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return platform.NewProviderError(c.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("empty audio response"))
		}
		data = raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.Format != platform.FormatMP3 {
		if data, err = c.finishPCM(data, cartesiaNativeRate, req); err != nil {
			return nil, err
		}
	}

	c.logger.Debug().
		Int("bytes", len(data)).
		Str("format", req.Format).
		Dur("elapsed", time.Since(started)).
		Msg("Synthesis completed")
	return c.result(data, req, started), nil
}

// Clone creates an instant clone. Cartesia finishes synchronously so the
// returned job is already completed.
func (c *CartesiaAdapter) Clone(ctx context.Context, req platform.CloneRequest) (*platform.CloneJob, error) {
	if len(req.AudioSamples) == 0 {
		return nil, platform.NewProviderError(c.cfg.ID, platform.CodeInvalidRequest, false, fmt.Errorf("at least one audio sample is required"))
	}

	var voice cartesiaVoice
	err := c.call(ctx, c.opts.Timeouts.Clone, func(ctx context.Context) error {
		fields := map[string]string{
			"name":        req.Name,
			"description": req.Description,
			"language":    req.Language,
			"enhance":     strconv.FormatBool(req.Enhancement),
			"mode":        cloneMode(req.QualityLevel),
		}
		raw, err := c.sendMultipart(ctx, c.endpoint(cartesiaDefaultEndpoint, "/voices/clone"), c.headers(), "clip", req.AudioSamples, fields)
		if err != nil {
			return err
		}
		return decodeJSON(c.cfg.ID, raw, &voice)
	})
	if err != nil {
		return nil, err
	}

	d := c.descriptor(voice)
	d.IsCustom = true
	return &platform.CloneJob{
		CloneID:     voice.ID,
		PlatformID:  c.cfg.ID,
		Status:      platform.CloneCompleted,
		Progress:    100,
		ResultVoice: &d,
	}, nil
}

// CloneStatus looks the cloned voice up. A voice that exists is complete.
func (c *CartesiaAdapter) CloneStatus(ctx context.Context, cloneID string) (*platform.CloneJob, error) {
	var voice cartesiaVoice
	err := c.callWithRetry(ctx, c.opts.Timeouts.ListVoices, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.endpoint(cartesiaDefaultEndpoint, "/voices/"+url.PathEscape(cloneID)), c.headers(), nil, &voice)
	})
	if err != nil {
		return nil, err
	}
	d := c.descriptor(voice)
	d.IsCustom = true
	return &platform.CloneJob{
		CloneID:     cloneID,
		PlatformID:  c.cfg.ID,
		Status:      platform.CloneCompleted,
		Progress:    100,
		ResultVoice: &d,
	}, nil
}

func cloneMode(quality string) string {
	if quality == platform.QualityHigh {
		return "similarity"
	}
	return "stability"
}
