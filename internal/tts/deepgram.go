package tts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speakClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

const (
	deepgramDefaultEndpoint = "https://api.deepgram.com"
	deepgramNativeRate      = 24000
	deepgramDefaultVoice    = "aura-asteria-en"
)

// deepgramVoices is the Aura catalog. Deepgram exposes voices as models and
// has no listing endpoint for them.
var deepgramVoices = []struct {
	model  string
	name   string
	gender platform.Gender
	lang   string
}{
	{"aura-asteria-en", "Asteria", platform.GenderFemale, "en-US"},
	{"aura-luna-en", "Luna", platform.GenderFemale, "en-US"},
	{"aura-stella-en", "Stella", platform.GenderFemale, "en-US"},
	{"aura-athena-en", "Athena", platform.GenderFemale, "en-GB"},
	{"aura-hera-en", "Hera", platform.GenderFemale, "en-US"},
	{"aura-orion-en", "Orion", platform.GenderMale, "en-US"},
	{"aura-arcas-en", "Arcas", platform.GenderMale, "en-US"},
	{"aura-perseus-en", "Perseus", platform.GenderMale, "en-US"},
	{"aura-angus-en", "Angus", platform.GenderMale, "en-IE"},
	{"aura-orpheus-en", "Orpheus", platform.GenderMale, "en-US"},
	{"aura-helios-en", "Helios", platform.GenderMale, "en-GB"},
	{"aura-zeus-en", "Zeus", platform.GenderMale, "en-US"},
}

// speaker performs one Aura request and returns the audio bytes
type speaker interface {
	Speak(ctx context.Context, text string, options *interfaces.SpeakOptions) ([]byte, error)
}

// sdkSpeaker talks to Deepgram through the SDK REST client
type sdkSpeaker struct {
	client *api.Client
}

func newSDKSpeaker(apiKey, host string) *sdkSpeaker {
	c := speakClient.NewREST(apiKey, &interfaces.ClientOptions{Host: host})
	return &sdkSpeaker{client: api.New(c)}
}

func (s *sdkSpeaker) Speak(ctx context.Context, text string, options *interfaces.SpeakOptions) ([]byte, error) {
	var buffer interfaces.RawResponse
	if _, err := s.client.ToStream(ctx, text, options, &buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// DeepgramAdapter synthesizes with Deepgram Aura. Voice cloning is not
// offered, so it does not implement platform.Cloner.
type DeepgramAdapter struct {
	*base
	apiKey  string
	speaker speaker
}

// NewDeepgramAdapter creates a Deepgram adapter
func NewDeepgramAdapter(cfg platform.PlatformConfig, opts Options) (*DeepgramAdapter, error) {
	apiKey := cfg.Credential("api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram platform %s: api_key credential is required", cfg.ID)
	}
	return &DeepgramAdapter{
		base:    newBase(cfg, opts),
		apiKey:  apiKey,
		speaker: newSDKSpeaker(apiKey, cfg.Endpoint),
	}, nil
}

// TestConnection lists projects, which any valid key may do
func (d *DeepgramAdapter) TestConnection(ctx context.Context) bool {
	return d.probe(ctx, func(ctx context.Context) error {
		headers := map[string]string{"Authorization": "Token " + d.apiKey}
		return d.doJSON(ctx, http.MethodGet, d.endpoint(deepgramDefaultEndpoint, "/v1/projects"), headers, nil, nil)
	})
}

// ListVoices returns the Aura catalog filtered by language
func (d *DeepgramAdapter) ListVoices(ctx context.Context, language string) ([]platform.VoiceDescriptor, error) {
	out := make([]platform.VoiceDescriptor, 0, len(deepgramVoices))
	for _, v := range deepgramVoices {
		desc := platform.VoiceDescriptor{
			VoiceID:         platform.VoiceID(d.cfg.ID, v.model),
			DisplayName:     v.name,
			PlatformID:      d.cfg.ID,
			ProviderVoiceID: v.model,
			Gender:          v.gender,
			Language:        v.lang,
		}
		if desc.MatchesLanguage(language) {
			out = append(out, desc)
		}
	}
	return out, nil
}

// Synthesize converts text to audio. MP3 is returned as produced; every
// other format is requested as linear PCM so volume can be applied locally.
func (d *DeepgramAdapter) Synthesize(ctx context.Context, req platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	started := time.Now()
	req, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	model := platform.ProviderVoiceID(req.VoiceID)
	if model == "" {
		model = d.model(deepgramDefaultVoice)
	}

	options := &interfaces.SpeakOptions{Model: model}
	if req.Format == platform.FormatMP3 {
		options.Encoding = "mp3"
		options.BitRate = mp3BitRate
	} else {
		options.Encoding = "linear16"
		options.Container = "none"
		options.SampleRate = deepgramNativeRate
	}

	var data []byte
	err = d.call(ctx, d.opts.Timeouts.Synthesis, func(ctx context.Context) error {
		raw, err := d.speaker.Speak(ctx, req.Text, options)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return platform.NewProviderError(d.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("empty audio response"))
		}
		data = raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.Format != platform.FormatMP3 {
		if data, err = d.finishPCM(data, deepgramNativeRate, req); err != nil {
			return nil, err
		}
	}
	return d.result(data, req, started), nil
}
