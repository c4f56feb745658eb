package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

const (
	elevenLabsDefaultEndpoint = "https://api.elevenlabs.io"
	elevenLabsDefaultModel    = "eleven_multilingual_v2"

	// ElevenLabs accepts a narrower speed range than the request type
	elevenLabsMinSpeed = 0.7
	elevenLabsMaxSpeed = 1.2
)

// elevenLabsPCMRates are the PCM sample rates ElevenLabs can emit directly
var elevenLabsPCMRates = map[int]bool{16000: true, 22050: true, 24000: true, 44100: true}

// ElevenLabsAdapter synthesizes and clones through the ElevenLabs API
type ElevenLabsAdapter struct {
	*base
	apiKey string
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category"`
	Labels     map[string]string `json:"labels"`
	PreviewURL string            `json:"preview_url"`
	FineTuning struct {
		State    map[string]string  `json:"state"`
		Progress map[string]float64 `json:"progress"`
		Message  map[string]string  `json:"message"`
	} `json:"fine_tuning"`
}

type elevenLabsVoiceList struct {
	Voices []elevenLabsVoice `json:"voices"`
}

type elevenLabsAddResponse struct {
	VoiceID              string `json:"voice_id"`
	RequiresVerification bool   `json:"requires_verification"`
}

// NewElevenLabsAdapter creates an ElevenLabs adapter
func NewElevenLabsAdapter(cfg platform.PlatformConfig, opts Options) (*ElevenLabsAdapter, error) {
	apiKey := cfg.Credential("api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs platform %s: api_key credential is required", cfg.ID)
	}
	return &ElevenLabsAdapter{base: newBase(cfg, opts), apiKey: apiKey}, nil
}

func (e *ElevenLabsAdapter) headers() map[string]string {
	return map[string]string{"xi-api-key": e.apiKey}
}

// TestConnection fetches the account record
func (e *ElevenLabsAdapter) TestConnection(ctx context.Context) bool {
	return e.probe(ctx, func(ctx context.Context) error {
		return e.doJSON(ctx, http.MethodGet, e.endpoint(elevenLabsDefaultEndpoint, "/v1/user"), e.headers(), nil, nil)
	})
}

// ListVoices returns the voices for a language ("" for all)
func (e *ElevenLabsAdapter) ListVoices(ctx context.Context, language string) ([]platform.VoiceDescriptor, error) {
	var list elevenLabsVoiceList
	err := e.callWithRetry(ctx, e.opts.Timeouts.ListVoices, func(ctx context.Context) error {
		list = elevenLabsVoiceList{}
		return e.doJSON(ctx, http.MethodGet, e.endpoint(elevenLabsDefaultEndpoint, "/v1/voices"), e.headers(), nil, &list)
	})
	if err != nil {
		return nil, err
	}

	out := make([]platform.VoiceDescriptor, 0, len(list.Voices))
	for _, v := range list.Voices {
		d := e.descriptor(v)
		if d.MatchesLanguage(language) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *ElevenLabsAdapter) descriptor(v elevenLabsVoice) platform.VoiceDescriptor {
	return platform.VoiceDescriptor{
		VoiceID:         platform.VoiceID(e.cfg.ID, v.VoiceID),
		DisplayName:     v.Name,
		PlatformID:      e.cfg.ID,
		ProviderVoiceID: v.VoiceID,
		Gender:          parseGender(v.Labels["gender"]),
		Language:        v.Labels["language"],
		Style:           v.Labels["description"],
		SampleURL:       v.PreviewURL,
		IsCustom:        v.Category == "cloned" || v.Category == "professional",
	}
}

// outputFormat picks the provider output format for a request. The second
// return is the PCM rate to convert from, or 0 when the provider output is
// used as is.
func elevenLabsOutputFormat(req platform.SynthesisRequest) (string, int) {
	switch req.Format {
	case platform.FormatMP3:
		return "mp3_44100_128", 0
	case platform.FormatMulaw:
		if req.SampleRate == 8000 && req.Gain() == 1.0 {
			return "ulaw_8000", 0
		}
	case platform.FormatPCM:
		if elevenLabsPCMRates[req.SampleRate] && req.Gain() == 1.0 {
			return "pcm_" + strconv.Itoa(req.SampleRate), 0
		}
	}
	return "pcm_24000", 24000
}

// Synthesize converts text to audio
func (e *ElevenLabsAdapter) Synthesize(ctx context.Context, req platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	started := time.Now()
	req, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	body := elevenLabsRequest{
		Text:    req.Text,
		ModelID: e.model(elevenLabsDefaultModel),
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           platform.Clamp(req.Speed, elevenLabsMinSpeed, elevenLabsMaxSpeed),
		},
	}
	if req.Quality == platform.QualityHigh {
		body.VoiceSettings.SimilarityBoost = 0.9
	}

	outputFormat, pcmRate := elevenLabsOutputFormat(req)
	target := e.endpoint(elevenLabsDefaultEndpoint,
		"/v1/text-to-speech/"+url.PathEscape(platform.ProviderVoiceID(req.VoiceID))+"?output_format="+outputFormat)

	var data []byte
	err = e.call(ctx, e.opts.Timeouts.Synthesis, func(ctx context.Context) error {
		raw, err := e.send(ctx, http.MethodPost, target, e.headers(), body)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return platform.NewProviderError(e.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("empty audio response"))
		}
		data = raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	if pcmRate > 0 {
		if data, err = e.finishPCM(data, pcmRate, req); err != nil {
			return nil, err
		}
	}
	return e.result(data, req, started), nil
}

// Clone uploads samples as an instant voice clone. The voice may still need
// verification, so the job starts as processing.
func (e *ElevenLabsAdapter) Clone(ctx context.Context, req platform.CloneRequest) (*platform.CloneJob, error) {
	if len(req.AudioSamples) == 0 {
		return nil, platform.NewProviderError(e.cfg.ID, platform.CodeInvalidRequest, false, fmt.Errorf("at least one audio sample is required"))
	}

	labels, err := json.Marshal(map[string]string{
		"gender":   string(req.GenderHint),
		"language": req.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	var added elevenLabsAddResponse
	err = e.call(ctx, e.opts.Timeouts.Clone, func(ctx context.Context) error {
		fields := map[string]string{
			"name":                    req.Name,
			"description":             req.Description,
			"labels":                  string(labels),
			"remove_background_noise": strconv.FormatBool(req.Enhancement),
		}
		raw, err := e.sendMultipart(ctx, e.endpoint(elevenLabsDefaultEndpoint, "/v1/voices/add"), e.headers(), "files", req.AudioSamples, fields)
		if err != nil {
			return err
		}
		return decodeJSON(e.cfg.ID, raw, &added)
	})
	if err != nil {
		return nil, err
	}
	if added.VoiceID == "" {
		return nil, platform.NewProviderError(e.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("clone response missing voice_id"))
	}

	e.logger.Info().
		Str("clone_id", added.VoiceID).
		Bool("requires_verification", added.RequiresVerification).
		Msg("Voice clone submitted")

	return &platform.CloneJob{
		CloneID:    added.VoiceID,
		PlatformID: e.cfg.ID,
		Status:     platform.CloneProcessing,
	}, nil
}

// CloneStatus derives job status from the voice's fine tuning state
func (e *ElevenLabsAdapter) CloneStatus(ctx context.Context, cloneID string) (*platform.CloneJob, error) {
	var voice elevenLabsVoice
	err := e.callWithRetry(ctx, e.opts.Timeouts.ListVoices, func(ctx context.Context) error {
		voice = elevenLabsVoice{}
		return e.doJSON(ctx, http.MethodGet, e.endpoint(elevenLabsDefaultEndpoint, "/v1/voices/"+url.PathEscape(cloneID)), e.headers(), nil, &voice)
	})
	if err != nil {
		return nil, err
	}

	job := &platform.CloneJob{CloneID: cloneID, PlatformID: e.cfg.ID, Status: platform.CloneProcessing}

	var failedMessage string
	anyFailed := false
	for model, state := range voice.FineTuning.State {
		switch state {
		case "fine_tuned":
			job.Status = platform.CloneCompleted
		case "failed":
			anyFailed = true
			if msg := voice.FineTuning.Message[model]; msg != "" {
				failedMessage = msg
			}
		}
		if p := int(math.Round(voice.FineTuning.Progress[model] * 100)); p > job.Progress {
			job.Progress = p
		}
	}

	// A voice tuned for any model is usable
	if anyFailed && job.Status != platform.CloneCompleted {
		job.Status = platform.CloneFailed
		job.ErrorMessage = failedMessage
		if job.ErrorMessage == "" {
			job.ErrorMessage = "fine tuning failed"
		}
		return job, nil
	}

	// Instant clones carry no fine tuning state and are usable at once
	if voice.Category == "cloned" && len(voice.FineTuning.State) == 0 {
		job.Status = platform.CloneCompleted
	}

	if job.Status == platform.CloneCompleted {
		d := e.descriptor(voice)
		d.IsCustom = true
		job.Progress = 100
		job.ResultVoice = &d
	}
	return job, nil
}
