package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retry = &resilience.RetryConfig{MaxAttempts: 1}
	opts.Timeouts = Timeouts{
		TestConnection: time.Second,
		ListVoices:     time.Second,
		Synthesis:      time.Second,
		Clone:          time.Second,
	}
	return opts
}

func pcmSilence(samples int) []byte {
	return make([]byte, samples*2)
}

func providerError(t *testing.T, err error) *platform.ProviderError {
	t.Helper()
	var pe *platform.ProviderError
	require.True(t, errors.As(err, &pe), "expected ProviderError, got %v", err)
	return pe
}

func TestCartesia_SynthesizeConvertsPCM(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tts/bytes", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))

		var body cartesiaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Transcript)
		assert.Equal(t, "voice-1", body.Voice.ID)
		assert.Equal(t, "raw", body.OutputFormat.Container)
		assert.Equal(t, cartesiaNativeRate, body.OutputFormat.SampleRate)

		w.Write(pcmSilence(2400)) // 0.1s at 24kHz
	}))
	defer server.Close()

	adapter, err := NewCartesiaAdapter(platform.PlatformConfig{
		ID:          "cartesia",
		Kind:        platform.KindCartesia,
		Endpoint:    server.URL,
		Credentials: map[string]string{"api_key": "key"},
		CostPerUnit: 0.5,
	}, testOptions())
	require.NoError(t, err)

	result, err := adapter.Synthesize(context.Background(), platform.SynthesisRequest{
		Text:       "hello",
		VoiceID:    "cartesia:voice-1",
		Format:     platform.FormatMulaw,
		SampleRate: 8000,
	})
	require.NoError(t, err)

	assert.Equal(t, "cartesia", result.PlatformUsed)
	assert.Equal(t, 800, result.ByteSize)
	assert.InDelta(t, 0.1, result.Duration, 0.001)
	assert.InDelta(t, 2.5, result.Cost, 0.0001)
	assert.Len(t, result.Audio.Data, 800)
}

func TestCartesia_RequiresAPIKey(t *testing.T) {
	_, err := NewCartesiaAdapter(platform.PlatformConfig{ID: "c", Kind: platform.KindCartesia}, testOptions())
	assert.Error(t, err)
}

func TestCartesia_CloneIsImmediate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voices/clone", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "My Voice", r.FormValue("name"))
		assert.Len(t, r.MultipartForm.File["clip"], 2)

		json.NewEncoder(w).Encode(cartesiaVoice{ID: "new-voice", Name: "My Voice", Language: "en"})
	}))
	defer server.Close()

	adapter, err := NewCartesiaAdapter(platform.PlatformConfig{
		ID:          "cartesia",
		Kind:        platform.KindCartesia,
		Endpoint:    server.URL,
		Credentials: map[string]string{"api_key": "key"},
	}, testOptions())
	require.NoError(t, err)

	job, err := adapter.Clone(context.Background(), platform.CloneRequest{
		Name:         "My Voice",
		AudioSamples: [][]byte{{1}, {2}},
		Language:     "en",
	})
	require.NoError(t, err)

	assert.Equal(t, platform.CloneCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ResultVoice)
	assert.Equal(t, "cartesia:new-voice", job.ResultVoice.VoiceID)
	assert.True(t, job.ResultVoice.IsCustom)
}

func TestElevenLabs_ClampsSpeed(t *testing.T) {
	var got elevenLabsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/rachel", r.URL.Path)
		assert.Equal(t, "mp3_44100_128", r.URL.Query().Get("output_format"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("ID3-fake-mp3"))
	}))
	defer server.Close()

	adapter, err := NewElevenLabsAdapter(platform.PlatformConfig{
		ID:          "eleven",
		Kind:        platform.KindElevenLabs,
		Endpoint:    server.URL,
		Credentials: map[string]string{"api_key": "key"},
	}, testOptions())
	require.NoError(t, err)

	result, err := adapter.Synthesize(context.Background(), platform.SynthesisRequest{
		Text:    "fast please",
		VoiceID: "rachel",
		Speed:   2.0,
	})
	require.NoError(t, err)

	assert.Equal(t, elevenLabsMaxSpeed, got.VoiceSettings.Speed)
	assert.Equal(t, platform.FormatMP3, result.Format)
	assert.Equal(t, []byte("ID3-fake-mp3"), result.Audio.Data)
}

func TestElevenLabs_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusTooManyRequests, platform.CodeRateLimited, true},
		{http.StatusServiceUnavailable, platform.CodeUnavailable, true},
		{http.StatusUnauthorized, platform.CodeUnauthorized, true},
		{http.StatusPaymentRequired, platform.CodeQuotaExceeded, true},
		{http.StatusBadRequest, platform.CodeInvalidRequest, false},
		{http.StatusUnprocessableEntity, platform.CodeInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			adapter, err := NewElevenLabsAdapter(platform.PlatformConfig{
				ID:          "eleven",
				Kind:        platform.KindElevenLabs,
				Endpoint:    server.URL,
				Credentials: map[string]string{"api_key": "key"},
			}, testOptions())
			require.NoError(t, err)

			_, err = adapter.Synthesize(context.Background(), platform.SynthesisRequest{Text: "hi", VoiceID: "v"})
			pe := providerError(t, err)
			assert.Equal(t, "eleven", pe.Platform)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.retryable, pe.Retryable)
		})
	}
}

func TestElevenLabs_CloneStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/voices/tuning":
			w.Write([]byte(`{"voice_id":"tuning","name":"T","category":"professional",
				"fine_tuning":{"state":{"eleven_multilingual_v2":"fine_tuning"},"progress":{"eleven_multilingual_v2":0.4}}}`))
		case "/v1/voices/done":
			w.Write([]byte(`{"voice_id":"done","name":"D","category":"cloned"}`))
		case "/v1/voices/broken":
			w.Write([]byte(`{"voice_id":"broken","category":"professional",
				"fine_tuning":{"state":{"eleven_multilingual_v2":"failed"},"message":{"eleven_multilingual_v2":"bad audio"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	adapter, err := NewElevenLabsAdapter(platform.PlatformConfig{
		ID:          "eleven",
		Kind:        platform.KindElevenLabs,
		Endpoint:    server.URL,
		Credentials: map[string]string{"api_key": "key"},
	}, testOptions())
	require.NoError(t, err)

	job, err := adapter.CloneStatus(context.Background(), "tuning")
	require.NoError(t, err)
	assert.Equal(t, platform.CloneProcessing, job.Status)
	assert.Equal(t, 40, job.Progress)

	job, err = adapter.CloneStatus(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, platform.CloneCompleted, job.Status)
	require.NotNil(t, job.ResultVoice)
	assert.Equal(t, "eleven:done", job.ResultVoice.VoiceID)

	job, err = adapter.CloneStatus(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, platform.CloneFailed, job.Status)
	assert.Equal(t, "bad audio", job.ErrorMessage)
}

type fakeSpeaker struct {
	options *interfaces.SpeakOptions
	audio   []byte
	err     error
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string, options *interfaces.SpeakOptions) ([]byte, error) {
	f.options = options
	return f.audio, f.err
}

func TestDeepgram_SynthesizeAppliesVolume(t *testing.T) {
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(1000))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(0xFC18)) // -1000

	speaker := &fakeSpeaker{audio: pcm}
	adapter, err := NewDeepgramAdapter(platform.PlatformConfig{
		ID:          "deepgram",
		Kind:        platform.KindDeepgram,
		Credentials: map[string]string{"api_key": "key"},
	}, testOptions())
	require.NoError(t, err)
	adapter.speaker = speaker

	half := 0.5
	result, err := adapter.Synthesize(context.Background(), platform.SynthesisRequest{
		Text:       "hi",
		VoiceID:    "deepgram:aura-luna-en",
		Volume:     &half,
		Format:     platform.FormatPCM,
		SampleRate: deepgramNativeRate,
	})
	require.NoError(t, err)

	assert.Equal(t, "aura-luna-en", speaker.options.Model)
	assert.Equal(t, "linear16", speaker.options.Encoding)
	assert.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(result.Audio.Data[0:])))
	assert.Equal(t, int16(-500), int16(binary.LittleEndian.Uint16(result.Audio.Data[2:])))
}

func TestDeepgram_NoCloneCapability(t *testing.T) {
	adapter, err := NewDeepgramAdapter(platform.PlatformConfig{
		ID:          "deepgram",
		Kind:        platform.KindDeepgram,
		Credentials: map[string]string{"api_key": "key"},
	}, testOptions())
	require.NoError(t, err)

	_, ok := platform.AsCloner(adapter)
	assert.False(t, ok)

	voices, err := adapter.ListVoices(context.Background(), "en-GB")
	require.NoError(t, err)
	require.NotEmpty(t, voices)
	for _, v := range voices {
		assert.Equal(t, "en-GB", v.Language)
	}
}

func TestDeepgram_TimeoutIsRetryable(t *testing.T) {
	adapter, err := NewDeepgramAdapter(platform.PlatformConfig{
		ID:          "deepgram",
		Kind:        platform.KindDeepgram,
		Credentials: map[string]string{"api_key": "key"},
	}, testOptions())
	require.NoError(t, err)
	adapter.speaker = &fakeSpeaker{err: context.DeadlineExceeded}

	_, err = adapter.Synthesize(context.Background(), platform.SynthesisRequest{Text: "hi"})
	pe := providerError(t, err)
	assert.Equal(t, platform.CodeTimeout, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestBackend_ScaleConversion(t *testing.T) {
	assert.Equal(t, 0, SpeedToScale(0.5))
	assert.Equal(t, 167, SpeedToScale(1.0))
	assert.Equal(t, 500, SpeedToScale(2.0))
	assert.Equal(t, 500, SpeedToScale(9.0))
	assert.Equal(t, 0, SpeedToScale(0.1))

	assert.Equal(t, 0, PitchToScale(0.5))
	assert.Equal(t, 100, PitchToScale(2.0))

	assert.Equal(t, 50, VolumeToScale(1.0))
	assert.Equal(t, 100, VolumeToScale(3.0))
}

func TestBackend_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/synthesize", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body backendSynthesisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 500, body.Speed)
		assert.Equal(t, 50, body.Volume)
		assert.Equal(t, "narrator", body.VoiceID)

		json.NewEncoder(w).Encode(backendSynthesisResponse{
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("buf")),
			Duration:    2.0,
		})
	}))
	defer server.Close()

	adapter, err := NewBackendAdapter(platform.PlatformConfig{
		ID:          "backend",
		Kind:        platform.KindBackend,
		Endpoint:    server.URL,
		Credentials: map[string]string{"api_key": "secret"},
	}, testOptions())
	require.NoError(t, err)

	result, err := adapter.Synthesize(context.Background(), platform.SynthesisRequest{
		Text:    "hello",
		VoiceID: "backend:narrator",
		Speed:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("buf"), result.Audio.Data)
	assert.Equal(t, 2.0, result.Duration)
	assert.Equal(t, "backend", result.PlatformUsed)
}

func TestBackend_EmptyTextIsNotRetryable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	adapter, err := NewBackendAdapter(platform.PlatformConfig{ID: "backend", Kind: platform.KindBackend, Endpoint: server.URL}, testOptions())
	require.NoError(t, err)

	_, err = adapter.Synthesize(context.Background(), platform.SynthesisRequest{Text: "   "})
	pe := providerError(t, err)
	assert.Equal(t, platform.CodeInvalidRequest, pe.Code)
	assert.False(t, pe.Retryable)
	assert.True(t, errors.Is(err, platform.ErrEmptyText))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestBackend_CloneLifecycle(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/clones":
			var body backendCloneRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Len(t, body.Samples, 2)
			first, _ := base64.StdEncoding.DecodeString(body.Samples[0])
			assert.Equal(t, []byte("one"), first)
			w.Write([]byte(`{"clone_id":"job-1","status":"processing","progress":0}`))
		case r.Method == http.MethodGet && r.URL.Path == "/clones/job-1":
			if atomic.AddInt32(&polls, 1) == 1 {
				w.Write([]byte(`{"clone_id":"job-1","status":"processing","progress":60}`))
				return
			}
			w.Write([]byte(`{"clone_id":"job-1","status":"completed","voice":{"id":"v9","name":"Mine","custom":true}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	adapter, err := NewBackendAdapter(platform.PlatformConfig{ID: "backend", Kind: platform.KindBackend, Endpoint: server.URL}, testOptions())
	require.NoError(t, err)

	job, err := adapter.Clone(context.Background(), platform.CloneRequest{
		Name:         "Mine",
		AudioSamples: [][]byte{[]byte("one"), []byte("two")},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.CloneID)
	assert.Equal(t, platform.CloneProcessing, job.Status)

	job, err = adapter.CloneStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 60, job.Progress)

	job, err = adapter.CloneStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, platform.CloneCompleted, job.Status)
	require.NotNil(t, job.ResultVoice)
	assert.Equal(t, "backend:v9", job.ResultVoice.VoiceID)
}

func TestBackend_TestConnection(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	up, err := NewBackendAdapter(platform.PlatformConfig{ID: "up", Kind: platform.KindBackend, Endpoint: healthy.URL}, testOptions())
	require.NoError(t, err)
	down, err := NewBackendAdapter(platform.PlatformConfig{ID: "down", Kind: platform.KindBackend, Endpoint: broken.URL}, testOptions())
	require.NoError(t, err)

	assert.True(t, up.TestConnection(context.Background()))
	assert.False(t, down.TestConnection(context.Background()))
}

func TestBase_CircuitOpensAfterFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := testOptions()
	opts.BreakerMaxFailures = 2
	opts.BreakerResetTimeout = time.Hour

	adapter, err := NewBackendAdapter(platform.PlatformConfig{ID: "backend", Kind: platform.KindBackend, Endpoint: server.URL}, opts)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := adapter.Synthesize(context.Background(), platform.SynthesisRequest{Text: "hi"})
		assert.Equal(t, platform.CodeUnavailable, providerError(t, err).Code)
	}

	_, err = adapter.Synthesize(context.Background(), platform.SynthesisRequest{Text: "hi"})
	pe := providerError(t, err)
	assert.Equal(t, platform.CodeCircuitOpen, pe.Code)
	assert.True(t, pe.Retryable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBase_ListVoicesRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"voices":[{"id":"a","name":"A","language":"en-US"},{"id":"b","name":"B","language":"fr-FR"}]}`)
	}))
	defer server.Close()

	opts := testOptions()
	opts.Retry = &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	adapter, err := NewBackendAdapter(platform.PlatformConfig{ID: "backend", Kind: platform.KindBackend, Endpoint: server.URL}, opts)
	require.NoError(t, err)

	voices, err := adapter.ListVoices(context.Background(), "en")
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, "backend:a", voices[0].VoiceID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBase_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer server.Close()

	adapter, err := NewBackendAdapter(platform.PlatformConfig{ID: "backend", Kind: platform.KindBackend, Endpoint: server.URL}, testOptions())
	require.NoError(t, err)

	_, err = adapter.ListVoices(context.Background(), "")
	assert.Equal(t, platform.CodeMalformed, providerError(t, err).Code)
}

func TestNewAdapter(t *testing.T) {
	creds := map[string]string{"api_key": "k"}
	for _, kind := range platform.Kinds {
		adapter, err := NewAdapter(platform.PlatformConfig{
			ID:          string(kind),
			Kind:        kind,
			Endpoint:    "http://localhost:1",
			Credentials: creds,
		}, testOptions())
		require.NoError(t, err, kind)
		assert.Equal(t, kind, adapter.Kind())
		assert.Equal(t, string(kind), adapter.ID())
	}

	_, err := NewAdapter(platform.PlatformConfig{ID: "x", Kind: "polly"}, testOptions())
	assert.Error(t, err)

	adapter, err := NewAdapter(platform.PlatformConfig{ID: "x", Kind: platform.KindCartesia}, testOptions())
	assert.Error(t, err)
	assert.Nil(t, adapter)
	assert.True(t, strings.Contains(err.Error(), "api_key"))
}
