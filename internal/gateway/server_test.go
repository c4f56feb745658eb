package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-bridge/internal/clone"
	"github.com/lexiqai/voice-bridge/internal/fallback"
	"github.com/lexiqai/voice-bridge/internal/platform"
)

type fakeAdapter struct {
	id     string
	voices []platform.VoiceDescriptor
	synth  func(req platform.SynthesisRequest) (*platform.SynthesisResult, error)

	mu    sync.Mutex
	calls int
}

func (a *fakeAdapter) ID() string { return a.id }
func (a *fakeAdapter) Kind() platform.Kind { return platform.KindBackend }
func (a *fakeAdapter) TestConnection(ctx context.Context) bool { return true }

func (a *fakeAdapter) ListVoices(ctx context.Context, language string) ([]platform.VoiceDescriptor, error) {
	return a.voices, nil
}

func (a *fakeAdapter) Synthesize(ctx context.Context, req platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.synth(req)
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeCloner clones instantly and reports completion on the first status check
type fakeCloner struct {
	*fakeAdapter
}

func (c *fakeCloner) Clone(ctx context.Context, req platform.CloneRequest) (*platform.CloneJob, error) {
	if len(req.AudioSamples) != 2 || string(req.AudioSamples[0]) != "one" {
		return nil, errors.New("samples not decoded in order")
	}
	return &platform.CloneJob{CloneID: "clone-1", Status: platform.CloneProcessing, Progress: 5}, nil
}

func (c *fakeCloner) CloneStatus(ctx context.Context, cloneID string) (*platform.CloneJob, error) {
	return &platform.CloneJob{CloneID: cloneID, Status: platform.CloneCompleted, Progress: 100}, nil
}

func failing(code string, retryable bool) func(platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	return func(platform.SynthesisRequest) (*platform.SynthesisResult, error) {
		return nil, platform.NewProviderError("", code, retryable, errors.New(code))
	}
}

func succeeding(data string) func(platform.SynthesisRequest) (*platform.SynthesisResult, error) {
	return func(platform.SynthesisRequest) (*platform.SynthesisResult, error) {
		return &platform.SynthesisResult{
			Audio:    platform.AudioReference{Data: []byte(data)},
			Format:   platform.FormatMP3,
			Duration: 2.0,
			ByteSize: len(data),
		}, nil
	}
}

type testEnv struct {
	server   *httptest.Server
	registry *platform.Registry
	clones   *clone.Manager
}

func newTestEnv(t *testing.T, adapters ...platform.Adapter) *testEnv {
	t.Helper()

	byID := make(map[string]platform.Adapter, len(adapters))
	configs := make([]platform.PlatformConfig, len(adapters))
	for i, a := range adapters {
		byID[a.ID()] = a
		configs[i] = platform.PlatformConfig{ID: a.ID(), Kind: platform.KindBackend, Enabled: true, Priority: i + 1}
	}
	registry, err := platform.NewRegistry(configs, func(cfg platform.PlatformConfig) (platform.Adapter, error) {
		return byID[cfg.ID], nil
	})
	require.NoError(t, err)

	clones := clone.NewManager(registry, clone.Config{
		Interval:       time.Millisecond,
		RequestTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(clones.Close)

	srv := NewServer(Deps{
		Registry: registry,
		Fallback: fallback.New(registry),
		Clones:   clones,
		Logger:   zerolog.Nop(),
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	return &testEnv{server: server, registry: registry, clones: clones}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestServer_ListPlatforms(t *testing.T) {
	p1 := &fakeAdapter{id: "p1"}
	p2 := &fakeCloner{&fakeAdapter{id: "p2"}}
	env := newTestEnv(t, p1, p2)

	resp, body := env.do(t, http.MethodGet, "/v1/platforms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", body["active"])

	platforms := body["platforms"].([]any)
	require.Len(t, platforms, 2)
	first := platforms[0].(map[string]any)
	second := platforms[1].(map[string]any)
	assert.Equal(t, "p1", first["platform_id"])
	assert.Equal(t, true, first["active"])
	assert.Equal(t, false, first["supports_clone"])
	assert.Equal(t, true, second["supports_clone"])
}

func TestServer_SwitchPlatform(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "p1"}, &fakeAdapter{id: "p2"})

	resp, body := env.do(t, http.MethodPost, "/v1/platforms/active", map[string]string{"platform_id": "p2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p2", body["active"])
	assert.Equal(t, "p2", env.registry.ActiveID())

	resp, _ = env.do(t, http.MethodPost, "/v1/platforms/active", map[string]string{"platform_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "p2", env.registry.ActiveID())

	resp, _ = env.do(t, http.MethodPost, "/v1/platforms/active", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ListVoices(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", voices: []platform.VoiceDescriptor{
		{VoiceID: "p1:a", Language: "en-US"},
		{VoiceID: "p1:b", Language: "es"},
	}}
	env := newTestEnv(t, p1)

	resp, body := env.do(t, http.MethodGet, "/v1/platforms/p1/voices?language=en", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	voices := body["voices"].([]any)
	require.Len(t, voices, 1)
	assert.Equal(t, "p1:a", voices[0].(map[string]any)["voice_id"])

	resp, body = env.do(t, http.MethodGet, "/v1/platforms/missing/voices", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}

func TestServer_SynthesizeFallsBack(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", synth: failing(platform.CodeTimeout, true)}
	p2 := &fakeAdapter{id: "p2", synth: succeeding("buf")}
	env := newTestEnv(t, p1, p2)

	resp, body := env.do(t, http.MethodPost, "/v1/synthesize", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p2", body["platform_used"])
	assert.Equal(t, 2.0, body["duration"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("buf")), body["audio_base64"])
	assert.Equal(t, 1, p1.count())
	assert.Equal(t, 1, p2.count())
}

func TestServer_SynthesizeEmptyText(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", synth: succeeding("buf")}
	env := newTestEnv(t, p1)

	resp, body := env.do(t, http.MethodPost, "/v1/synthesize", map[string]any{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, platform.CodeInvalidRequest, body["error"])
	assert.Zero(t, p1.count())
}

func TestServer_SynthesizeExhausted(t *testing.T) {
	env := newTestEnv(t,
		&fakeAdapter{id: "p1", synth: failing(platform.CodeUnavailable, true)},
		&fakeAdapter{id: "p2", synth: failing(platform.CodeQuotaExceeded, true)},
	)

	resp, body := env.do(t, http.MethodPost, "/v1/synthesize", map[string]any{"text": "hello"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "all_platforms_exhausted", body["error"])
	assert.Contains(t, body["message"], platform.CodeQuotaExceeded)
}

func TestServer_SynthesizeNoPlatforms(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/synthesize", map[string]any{"text": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no_platforms", body["error"])
}

func TestServer_BadJSON(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "p1"})

	resp, err := http.Post(env.server.URL+"/v1/synthesize", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CloneLifecycle(t *testing.T) {
	p1 := &fakeAdapter{id: "p1"}
	p2 := &fakeCloner{&fakeAdapter{id: "p2"}}
	env := newTestEnv(t, p1, p2)

	resp, body := env.do(t, http.MethodPost, "/v1/clones", map[string]any{
		"name":    "narrator",
		"samples": []string{base64.StdEncoding.EncodeToString([]byte("one")), base64.StdEncoding.EncodeToString([]byte("two"))},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "clone-1", body["clone_id"])
	assert.Equal(t, "p2", body["platform_id"])

	require.Eventually(t, func() bool {
		_, status := env.do(t, http.MethodGet, "/v1/clones/clone-1", nil)
		return status["status"] == string(platform.CloneCompleted)
	}, 2*time.Second, 5*time.Millisecond)

	_, status := env.do(t, http.MethodGet, "/v1/clones/clone-1", nil)
	assert.Equal(t, 100.0, status["progress"])
	assert.NotContains(t, status, "error")

	resp, _ = env.do(t, http.MethodDelete, "/v1/clones/clone-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/clones/clone-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/clones/clone-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CloneValidation(t *testing.T) {
	env := newTestEnv(t, &fakeCloner{&fakeAdapter{id: "p1"}})

	for name, body := range map[string]map[string]any{
		"no samples": {"name": "x"},
		"no name":    {"samples": []string{"b25l"}},
		"bad base64": {"name": "x", "samples": []string{"%%%"}},
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/v1/clones", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServer_CloneWithoutCapablePlatform(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "p1"})

	resp, body := env.do(t, http.MethodPost, "/v1/clones", map[string]any{
		"name":    "narrator",
		"samples": []string{base64.StdEncoding.EncodeToString([]byte("one"))},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "all_platforms_exhausted", body["error"])
	assert.Zero(t, env.clones.Len())
}

func TestServer_Recommend(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "p1"}, &fakeAdapter{id: "p2"})

	resp, body := env.do(t, http.MethodGet, "/v1/recommend?cost_priority=0.9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", body["platform_id"])

	resp, _ = env.do(t, http.MethodGet, "/v1/recommend?speed_priority=fast", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RecommendNoPlatforms(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/recommend", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: x", platform.ErrPlatformNotFound), http.StatusNotFound},
		{&platform.AllPlatformsExhaustedError{Last: platform.ErrNoPlatforms}, http.StatusServiceUnavailable},
		{&platform.AllPlatformsExhaustedError{Attempted: []string{"a"}, Last: errors.New("boom")}, http.StatusBadGateway},
		{&platform.AllPlatformsExhaustedError{
			Attempted: []string{"p1", "p2"},
			Last:      platform.FromContext("p2", context.DeadlineExceeded),
		}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{platform.NewProviderError("a", platform.CodeInvalidRequest, false, platform.ErrEmptyText), http.StatusBadRequest},
		{platform.NewProviderError("a", platform.CodeUnavailable, true, nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
