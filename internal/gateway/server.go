package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/clone"
	"github.com/lexiqai/voice-bridge/internal/fallback"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/stream"
)

// maxBodyBytes bounds request bodies; clone samples arrive base64 encoded
const maxBodyBytes = 64 << 20

// Deps are the components the gateway exposes
type Deps struct {
	Registry *platform.Registry
	Fallback *fallback.Orchestrator
	Clones   *clone.Manager

	// StreamDial opens upstream streaming connections. Nil disables /v1/stream.
	StreamDial   stream.DialFunc
	StreamConfig stream.Config

	Logger zerolog.Logger
}

// Server serves the voice platform API to the UI layer
type Server struct {
	registry *platform.Registry
	fallback *fallback.Orchestrator
	clones   *clone.Manager

	streamDial   stream.DialFunc
	streamConfig stream.Config

	logger zerolog.Logger
}

// NewServer creates a gateway over deps
func NewServer(deps Deps) *Server {
	return &Server{
		registry:     deps.Registry,
		fallback:     deps.Fallback,
		clones:       deps.Clones,
		streamDial:   deps.StreamDial,
		streamConfig: deps.StreamConfig,
		logger:       deps.Logger.With().Str("component", "gateway").Logger(),
	}
}

// Register adds the API routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/platforms", s.handleListPlatforms)
	mux.HandleFunc("POST /v1/platforms/active", s.handleSwitchPlatform)
	mux.HandleFunc("GET /v1/platforms/{id}/voices", s.handleListVoices)
	mux.HandleFunc("POST /v1/synthesize", s.handleSynthesize)
	mux.HandleFunc("POST /v1/clones", s.handleClone)
	mux.HandleFunc("GET /v1/clones/{id}", s.handleCloneStatus)
	mux.HandleFunc("DELETE /v1/clones/{id}", s.handleStopClone)
	mux.HandleFunc("GET /v1/recommend", s.handleRecommend)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
}

// Handler returns a mux serving only the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type platformsResponse struct {
	Active    string          `json:"active"`
	Platforms []platform.Info `json:"platforms"`
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, platformsResponse{
		Active:    s.registry.ActiveID(),
		Platforms: s.registry.Platforms(),
	})
}

type switchRequest struct {
	PlatformID string `json:"platform_id"`
}

func (s *Server) handleSwitchPlatform(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PlatformID == "" {
		writeError(w, http.StatusBadRequest, platform.CodeInvalidRequest, "platform_id is required")
		return
	}
	if !s.registry.SwitchTo(req.PlatformID) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("platform %q is not registered", req.PlatformID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": req.PlatformID})
}

type voicesResponse struct {
	PlatformID string                     `json:"platform_id"`
	Voices     []platform.VoiceDescriptor `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	voices, err := s.registry.Voices(r.Context(), id, r.URL.Query().Get("language"))
	if err != nil {
		s.fail(w, r, "list_voices", err)
		return
	}
	writeJSON(w, http.StatusOK, voicesResponse{PlatformID: id, Voices: voices})
}

type synthesizeResponse struct {
	AudioBase64      string  `json:"audio_base64,omitempty"`
	AudioURL         string  `json:"audio_url,omitempty"`
	Format           string  `json:"format"`
	Duration         float64 `json:"duration"`
	ByteSize         int     `json:"byte_size"`
	Cost             float64 `json:"cost"`
	PlatformUsed     string  `json:"platform_used"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req platform.SynthesisRequest
	if !s.decode(w, r, &req) {
		return
	}
	// Request shape errors would fail identically on every platform
	if err := req.Validate(); err != nil {
		s.fail(w, r, "synthesize", err)
		return
	}

	result, err := s.fallback.Synthesize(r.Context(), req)
	if err != nil {
		s.fail(w, r, "synthesize", err)
		return
	}

	resp := synthesizeResponse{
		AudioURL:         result.Audio.URL,
		Format:           result.Format,
		Duration:         result.Duration,
		ByteSize:         result.ByteSize,
		Cost:             result.Cost,
		PlatformUsed:     result.PlatformUsed,
		ProcessingTimeMs: result.ProcessingTime.Milliseconds(),
	}
	if len(result.Audio.Data) > 0 {
		resp.AudioBase64 = base64.StdEncoding.EncodeToString(result.Audio.Data)
	}
	writeJSON(w, http.StatusOK, resp)
}

type cloneRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Samples      []string        `json:"samples"` // Base64 audio, in order
	GenderHint   platform.Gender `json:"gender_hint"`
	Language     string          `json:"language"`
	QualityLevel string          `json:"quality_level"`
	Enhancement  bool            `json:"enhancement"`
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var body cloneRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" || len(body.Samples) == 0 {
		writeError(w, http.StatusBadRequest, platform.CodeInvalidRequest, "name and at least one sample are required")
		return
	}

	samples := make([][]byte, len(body.Samples))
	for i, encoded := range body.Samples {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			writeError(w, http.StatusBadRequest, platform.CodeInvalidRequest, fmt.Sprintf("sample %d is not valid base64", i))
			return
		}
		samples[i] = data
	}

	job, err := s.fallback.Clone(r.Context(), platform.CloneRequest{
		Name:         body.Name,
		Description:  body.Description,
		AudioSamples: samples,
		GenderHint:   body.GenderHint,
		Language:     body.Language,
		QualityLevel: body.QualityLevel,
		Enhancement:  body.Enhancement,
	})
	if err != nil {
		s.fail(w, r, "clone", err)
		return
	}

	adapter, _ := s.registry.Get(job.PlatformID)
	cloner, ok := platform.AsCloner(adapter)
	if !ok {
		s.fail(w, r, "clone", fmt.Errorf("%w: %s", platform.ErrCloneUnsupported, job.PlatformID))
		return
	}
	s.clones.Track(job, cloner)

	writeJSON(w, http.StatusAccepted, job)
}

type cloneStatusResponse struct {
	platform.CloneJob
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCloneStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.clones.Status(r.PathValue("id"))
	switch {
	case errors.Is(err, clone.ErrUnknownClone):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case err != nil && !errors.Is(err, platform.ErrCloneFailed):
		// Stopped or timed out: the job state is still worth reporting
		writeJSON(w, http.StatusOK, cloneStatusResponse{CloneJob: job, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cloneStatusResponse{CloneJob: job})
}

func (s *Server) handleStopClone(w http.ResponseWriter, r *http.Request) {
	if err := s.clones.Stop(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var criteria platform.Criteria
	query := r.URL.Query()
	for key, dst := range map[string]**float64{
		"cost_priority":    &criteria.CostPriority,
		"speed_priority":   &criteria.SpeedPriority,
		"quality_priority": &criteria.QualityPriority,
	} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, platform.CodeInvalidRequest, fmt.Sprintf("%s must be a number", key))
			return
		}
		*dst = &v
	}

	id := s.registry.Recommend(r.Context(), criteria)
	if id == "" {
		writeError(w, http.StatusServiceUnavailable, "no_platforms", platform.ErrNoPlatforms.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"platform_id": id})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, platform.CodeInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps an error to a status code and logs it
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, kind := classify(err)
	event := s.logger.Warn()
	if code >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Str("operation", op).Str("path", r.URL.Path).Int("status", code).Msg("Request failed")
	observability.RecordError(kind, "gateway")
	writeError(w, code, kind, err.Error())
}

func classify(err error) (int, string) {
	var pe *platform.ProviderError
	switch {
	case errors.Is(err, platform.ErrPlatformNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, platform.ErrNoPlatforms):
		return http.StatusServiceUnavailable, "no_platforms"
	case errors.Is(err, platform.ErrAllPlatformsExhausted):
		// Checked before the context cases, the last platform's timeout is
		// wrapped inside
		return http.StatusBadGateway, "all_platforms_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, platform.CodeTimeout
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	case errors.As(err, &pe) && pe.Code == platform.CodeInvalidRequest:
		return http.StatusBadRequest, platform.CodeInvalidRequest
	case errors.As(err, &pe):
		return http.StatusBadGateway, pe.Code
	}
	return http.StatusInternalServerError, "internal"
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Time    string `json:"timestamp"`
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: kind, Message: msg, Time: time.Now().UTC().Format(time.RFC3339)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
