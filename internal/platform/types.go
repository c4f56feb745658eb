package platform

import (
	"strings"
	"time"
)

// Kind identifies which provider implementation backs a platform entry
type Kind string

const (
	KindCartesia   Kind = "cartesia"
	KindElevenLabs Kind = "elevenlabs"
	KindDeepgram   Kind = "deepgram"
	KindBackend    Kind = "backend" // The platform's own voice backend
)

// Kinds lists every provider kind the factory knows how to build
var Kinds = []Kind{KindCartesia, KindElevenLabs, KindDeepgram, KindBackend}

// Valid reports whether k is one of the known provider kinds
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// PlatformConfig describes one configured voice platform
type PlatformConfig struct {
	ID          string            `yaml:"platform_id" json:"platform_id"`
	Kind        Kind              `yaml:"kind" json:"kind"`
	Credentials map[string]string `yaml:"credentials" json:"-"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Priority    int               `yaml:"priority" json:"priority"`           // Lower is preferred
	RateLimit   float64           `yaml:"rate_limit" json:"rate_limit"`       // Requests per second, 0 = unlimited
	CostPerUnit float64           `yaml:"cost_per_unit" json:"cost_per_unit"` // Cost per synthesized character
	Model       string            `yaml:"model" json:"model,omitempty"`       // Provider model id, optional
}

// Credential returns a credential value by key (e.g. "api_key")
func (c PlatformConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials[key]
}

// Gender of a voice as reported by a provider
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderNeutral Gender = "neutral"
)

// VoiceDescriptor describes a voice offered by a platform.
// Descriptors are treated as immutable once handed to callers.
type VoiceDescriptor struct {
	VoiceID         string `json:"voice_id"` // Stable id, "<platform>:<provider voice id>"
	DisplayName     string `json:"display_name"`
	PlatformID      string `json:"platform_id"`
	ProviderVoiceID string `json:"provider_voice_id"`
	Gender          Gender `json:"gender,omitempty"`
	Language        string `json:"language,omitempty"`
	Style           string `json:"style,omitempty"`
	SampleURL       string `json:"sample_url,omitempty"`
	IsCustom        bool   `json:"is_custom"`
}

// VoiceID builds the registry-wide voice id for a provider voice
func VoiceID(platformID, providerVoiceID string) string {
	return platformID + ":" + providerVoiceID
}

// ProviderVoiceID strips the platform prefix from a voice id if present.
// Ids without a prefix are passed through so callers may use raw provider ids.
func ProviderVoiceID(voiceID string) string {
	if i := strings.IndexByte(voiceID, ':'); i >= 0 {
		return voiceID[i+1:]
	}
	return voiceID
}

// MatchesLanguage reports whether the voice serves the requested language.
// An empty request matches everything, as does a voice with no language
// (multilingual). "en" matches "en-US".
func (v VoiceDescriptor) MatchesLanguage(language string) bool {
	if language == "" || v.Language == "" {
		return true
	}
	lang := strings.ToLower(v.Language)
	want := strings.ToLower(language)
	return lang == want || strings.HasPrefix(lang, want+"-") || strings.HasPrefix(want, lang+"-")
}

// Audio formats understood by the adapters
const (
	FormatMP3   = "mp3"
	FormatWAV   = "wav"
	FormatPCM   = "pcm"   // 16-bit signed little-endian mono
	FormatMulaw = "mulaw" // G.711 PCMU
)

// Quality levels for synthesis and cloning
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// Bounds applied when normalizing a synthesis request
const (
	MinSpeed  = 0.5
	MaxSpeed  = 2.0
	MinPitch  = 0.5
	MaxPitch  = 2.0
	MinVolume = 0.0
	MaxVolume = 2.0

	DefaultSampleRate = 24000
)

// SynthesisRequest is a single text-to-speech request
type SynthesisRequest struct {
	Text       string   `json:"text"`
	VoiceID    string   `json:"voice_id"`
	Speed      float64  `json:"speed"`            // 0.5 - 2.0, 1.0 is natural
	Pitch      float64  `json:"pitch"`            // 0.5 - 2.0, 1.0 is natural
	Volume     *float64 `json:"volume,omitempty"` // 0.0 - 2.0, nil is 1.0 (unchanged)
	Emotion    string   `json:"emotion,omitempty"`
	Style      string   `json:"style,omitempty"`
	Format     string   `json:"format"`
	SampleRate int      `json:"sample_rate"`
	Quality    string   `json:"quality"`
}

// Normalized returns a copy with defaults filled in and out-of-range values clamped
func (r SynthesisRequest) Normalized() SynthesisRequest {
	if r.Speed == 0 {
		r.Speed = 1.0
	}
	if r.Pitch == 0 {
		r.Pitch = 1.0
	}
	r.Speed = Clamp(r.Speed, MinSpeed, MaxSpeed)
	r.Pitch = Clamp(r.Pitch, MinPitch, MaxPitch)
	volume := Clamp(r.Gain(), MinVolume, MaxVolume)
	r.Volume = &volume
	if r.Format == "" {
		r.Format = FormatMP3
	}
	r.Format = strings.ToLower(r.Format)
	if r.SampleRate <= 0 {
		r.SampleRate = DefaultSampleRate
	}
	if r.Quality == "" {
		r.Quality = QualityStandard
	}
	return r
}

// Gain returns the requested volume, 1.0 when unset. Zero mutes.
func (r SynthesisRequest) Gain() float64 {
	if r.Volume == nil {
		return 1.0
	}
	return *r.Volume
}

// Validate checks the request shape. Failures here are identical on every
// platform, so they are reported as non-retryable.
func (r SynthesisRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return NewProviderError("", CodeInvalidRequest, false, ErrEmptyText)
	}
	return nil
}

// Clamp restricts v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AudioReference points at synthesized audio: either a URL or an in-memory buffer
type AudioReference struct {
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// IsZero reports whether the reference carries no audio
func (a AudioReference) IsZero() bool {
	return a.URL == "" && len(a.Data) == 0
}

// SynthesisResult is produced once per successful synthesis call
type SynthesisResult struct {
	Audio          AudioReference `json:"audio"`
	Format         string         `json:"format"`
	Duration       float64        `json:"duration"` // Seconds
	ByteSize       int            `json:"byte_size"`
	Cost           float64        `json:"cost"`
	PlatformUsed   string         `json:"platform_used"`
	ProcessingTime time.Duration  `json:"processing_time"`
}

// CloneRequest asks a platform to train a custom voice from samples
type CloneRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	AudioSamples [][]byte `json:"-"` // Ordered; providers receive them in this order
	GenderHint   Gender   `json:"gender_hint,omitempty"`
	Language     string   `json:"language"`
	QualityLevel string   `json:"quality_level"`
	Enhancement  bool     `json:"enhancement"`
}

// CloneStatus is the lifecycle state of a clone job
type CloneStatus string

const (
	CloneProcessing CloneStatus = "processing"
	CloneCompleted  CloneStatus = "completed"
	CloneFailed     CloneStatus = "failed"
)

// Terminal reports whether no further transition can occur
func (s CloneStatus) Terminal() bool {
	return s == CloneCompleted || s == CloneFailed
}

// CloneJob tracks an asynchronous voice clone on a platform
type CloneJob struct {
	CloneID      string           `json:"clone_id"`
	PlatformID   string           `json:"platform_id"`
	Status       CloneStatus      `json:"status"`
	Progress     int              `json:"progress"` // 0 - 100
	ResultVoice  *VoiceDescriptor `json:"result_voice,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Criteria weights a platform recommendation. Nil fields are unspecified.
type Criteria struct {
	CostPriority    *float64 `json:"cost_priority,omitempty"`
	SpeedPriority   *float64 `json:"speed_priority,omitempty"`
	QualityPriority *float64 `json:"quality_priority,omitempty"`
}
