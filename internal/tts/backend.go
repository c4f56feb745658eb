package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

// Native scales of the voice backend. Speed is an integer 0-500 where 0 is
// the slowest speed the request type allows and 500 the fastest; pitch and
// volume are 0-100.
const (
	backendSpeedMax  = 500
	backendPitchMax  = 100
	backendVolumeMax = 100
)

// BackendAdapter talks to the platform's own voice backend over JSON
type BackendAdapter struct {
	*base
	apiKey string
}

type backendSynthesisRequest struct {
	Text       string `json:"text"`
	VoiceID    string `json:"voice_id"`
	Speed      int    `json:"speed"`
	Pitch      int    `json:"pitch"`
	Volume     int    `json:"volume"`
	Emotion    string `json:"emotion,omitempty"`
	Style      string `json:"style,omitempty"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Quality    string `json:"quality"`
}

type backendSynthesisResponse struct {
	AudioURL    string   `json:"audio_url"`
	AudioBase64 string   `json:"audio_base64"`
	Duration    float64  `json:"duration"`
	ByteSize    int      `json:"byte_size"`
	Cost        *float64 `json:"cost"`
}

type backendVoice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	Language  string `json:"language"`
	Style     string `json:"style"`
	SampleURL string `json:"sample_url"`
	Custom    bool   `json:"custom"`
}

type backendVoiceList struct {
	Voices []backendVoice `json:"voices"`
}

type backendCloneRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Samples     []string `json:"samples"` // Base64, in submission order
	Gender      string   `json:"gender,omitempty"`
	Language    string   `json:"language"`
	Quality     string   `json:"quality"`
	Enhance     bool     `json:"enhance"`
}

type backendCloneResponse struct {
	CloneID  string        `json:"clone_id"`
	Status   string        `json:"status"`
	Progress int           `json:"progress"`
	Voice    *backendVoice `json:"voice"`
	Error    string        `json:"error"`
}

// NewBackendAdapter creates a backend adapter. The endpoint is required; the
// api_key credential is optional.
func NewBackendAdapter(cfg platform.PlatformConfig, opts Options) (*BackendAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("backend platform %s: endpoint is required", cfg.ID)
	}
	return &BackendAdapter{base: newBase(cfg, opts), apiKey: cfg.Credential("api_key")}, nil
}

func (b *BackendAdapter) headers() map[string]string {
	if b.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + b.apiKey}
}

// SpeedToScale converts a speed in [0.5, 2.0] to the backend's 0-500 scale.
// Out-of-range input is clamped first.
func SpeedToScale(speed float64) int {
	speed = platform.Clamp(speed, platform.MinSpeed, platform.MaxSpeed)
	return int(math.Round((speed - platform.MinSpeed) / (platform.MaxSpeed - platform.MinSpeed) * backendSpeedMax))
}

// PitchToScale converts a pitch in [0.5, 2.0] to 0-100
func PitchToScale(pitch float64) int {
	pitch = platform.Clamp(pitch, platform.MinPitch, platform.MaxPitch)
	return int(math.Round((pitch - platform.MinPitch) / (platform.MaxPitch - platform.MinPitch) * backendPitchMax))
}

// VolumeToScale converts a volume in [0, 2.0] to 0-100
func VolumeToScale(volume float64) int {
	volume = platform.Clamp(volume, platform.MinVolume, platform.MaxVolume)
	return int(math.Round((volume - platform.MinVolume) / (platform.MaxVolume - platform.MinVolume) * backendVolumeMax))
}

// TestConnection calls the backend health endpoint
func (b *BackendAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, func(ctx context.Context) error {
		return b.doJSON(ctx, http.MethodGet, b.endpoint("", "/health"), b.headers(), nil, nil)
	})
}

// ListVoices returns the voices for a language ("" for all)
func (b *BackendAdapter) ListVoices(ctx context.Context, language string) ([]platform.VoiceDescriptor, error) {
	target := b.endpoint("", "/voices")
	if language != "" {
		target += "?language=" + url.QueryEscape(language)
	}

	var list backendVoiceList
	err := b.callWithRetry(ctx, b.opts.Timeouts.ListVoices, func(ctx context.Context) error {
		list = backendVoiceList{}
		return b.doJSON(ctx, http.MethodGet, target, b.headers(), nil, &list)
	})
	if err != nil {
		return nil, err
	}

	out := make([]platform.VoiceDescriptor, 0, len(list.Voices))
	for _, v := range list.Voices {
		d := b.descriptor(v)
		if d.MatchesLanguage(language) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *BackendAdapter) descriptor(v backendVoice) platform.VoiceDescriptor {
	return platform.VoiceDescriptor{
		VoiceID:         platform.VoiceID(b.cfg.ID, v.ID),
		DisplayName:     v.Name,
		PlatformID:      b.cfg.ID,
		ProviderVoiceID: v.ID,
		Gender:          parseGender(v.Gender),
		Language:        v.Language,
		Style:           v.Style,
		SampleURL:       v.SampleURL,
		IsCustom:        v.Custom,
	}
}

// Synthesize converts text to audio. The backend may answer with a URL or
// inline audio.
func (b *BackendAdapter) Synthesize(ctx context.Context, req platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	started := time.Now()
	req, err := b.prepare(req)
	if err != nil {
		return nil, err
	}

	body := backendSynthesisRequest{
		Text:       req.Text,
		VoiceID:    platform.ProviderVoiceID(req.VoiceID),
		Speed:      SpeedToScale(req.Speed),
		Pitch:      PitchToScale(req.Pitch),
		Volume:     VolumeToScale(req.Gain()),
		Emotion:    req.Emotion,
		Style:      req.Style,
		Format:     req.Format,
		SampleRate: req.SampleRate,
		Quality:    req.Quality,
	}

	var resp backendSynthesisResponse
	err = b.call(ctx, b.opts.Timeouts.Synthesis, func(ctx context.Context) error {
		resp = backendSynthesisResponse{}
		return b.doJSON(ctx, http.MethodPost, b.endpoint("", "/synthesize"), b.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}

	var result *platform.SynthesisResult
	switch {
	case resp.AudioBase64 != "":
		data, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			return nil, platform.NewProviderError(b.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("invalid audio encoding: %w", err))
		}
		result = b.result(data, req, started)
	case resp.AudioURL != "":
		result = &platform.SynthesisResult{
			Audio:          platform.AudioReference{URL: resp.AudioURL},
			Format:         req.Format,
			ByteSize:       resp.ByteSize,
			Cost:           b.cost(req.Text),
			PlatformUsed:   b.cfg.ID,
			ProcessingTime: time.Since(started),
		}
	default:
		return nil, platform.NewProviderError(b.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("response carries no audio"))
	}

	if resp.Duration > 0 {
		result.Duration = resp.Duration
	}
	if resp.Cost != nil {
		result.Cost = *resp.Cost
	}
	return result, nil
}

// Clone submits samples for asynchronous training
func (b *BackendAdapter) Clone(ctx context.Context, req platform.CloneRequest) (*platform.CloneJob, error) {
	if len(req.AudioSamples) == 0 {
		return nil, platform.NewProviderError(b.cfg.ID, platform.CodeInvalidRequest, false, fmt.Errorf("at least one audio sample is required"))
	}

	body := backendCloneRequest{
		Name:        req.Name,
		Description: req.Description,
		Samples:     make([]string, len(req.AudioSamples)),
		Gender:      string(req.GenderHint),
		Language:    req.Language,
		Quality:     req.QualityLevel,
		Enhance:     req.Enhancement,
	}
	for i, sample := range req.AudioSamples {
		body.Samples[i] = base64.StdEncoding.EncodeToString(sample)
	}

	var resp backendCloneResponse
	err := b.call(ctx, b.opts.Timeouts.Clone, func(ctx context.Context) error {
		resp = backendCloneResponse{}
		return b.doJSON(ctx, http.MethodPost, b.endpoint("", "/clones"), b.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.CloneID == "" {
		return nil, platform.NewProviderError(b.cfg.ID, platform.CodeMalformed, true, fmt.Errorf("clone response missing clone_id"))
	}
	return b.job(resp), nil
}

// CloneStatus fetches the current state of a clone job
func (b *BackendAdapter) CloneStatus(ctx context.Context, cloneID string) (*platform.CloneJob, error) {
	var resp backendCloneResponse
	err := b.callWithRetry(ctx, b.opts.Timeouts.ListVoices, func(ctx context.Context) error {
		resp = backendCloneResponse{}
		return b.doJSON(ctx, http.MethodGet, b.endpoint("", "/clones/"+url.PathEscape(cloneID)), b.headers(), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.CloneID == "" {
		resp.CloneID = cloneID
	}
	return b.job(resp), nil
}

func (b *BackendAdapter) job(resp backendCloneResponse) *platform.CloneJob {
	job := &platform.CloneJob{
		CloneID:      resp.CloneID,
		PlatformID:   b.cfg.ID,
		Progress:     resp.Progress,
		ErrorMessage: resp.Error,
	}
	switch platform.CloneStatus(resp.Status) {
	case platform.CloneCompleted:
		job.Status = platform.CloneCompleted
		job.Progress = 100
	case platform.CloneFailed:
		job.Status = platform.CloneFailed
		if job.ErrorMessage == "" {
			job.ErrorMessage = "clone failed"
		}
	default:
		job.Status = platform.CloneProcessing
	}
	if job.Progress < 0 {
		job.Progress = 0
	} else if job.Progress > 100 {
		job.Progress = 100
	}
	if resp.Voice != nil {
		d := b.descriptor(*resp.Voice)
		job.ResultVoice = &d
	}
	return job
}
