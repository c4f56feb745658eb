package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// mp3BitRate is the bit rate requested from providers that can emit MP3.
// Duration of an MP3 result is estimated from it.
const mp3BitRate = 128000

// statusError is a non-2xx provider response
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Status, body)
}

// base carries what every adapter shares: identity, HTTP client, rate
// limiter, circuit breaker and error classification.
type base struct {
	cfg     platform.PlatformConfig
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

func newBase(cfg platform.PlatformConfig, opts Options) *base {
	opts = opts.withDefaults()
	b := &base{
		cfg:    cfg,
		opts:   opts,
		client: opts.HTTPClient,
		logger: opts.Logger.With().
			Str("component", "tts-adapter").
			Str("platform_id", cfg.ID).
			Str("kind", string(cfg.Kind)).
			Logger(),
	}

	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	b.breaker = resilience.NewCircuitBreaker(cfg.ID, opts.BreakerMaxFailures, opts.BreakerResetTimeout)
	b.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		b.logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
	return b
}

func (b *base) ID() string {
	return b.cfg.ID
}

func (b *base) Kind() platform.Kind {
	return b.cfg.Kind
}

// call runs fn under the operation timeout, the platform rate limit and the
// circuit breaker. The returned error is always nil or a *ProviderError.
func (b *base) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			if pe := platform.FromContext(b.cfg.ID, err); pe != nil {
				return pe
			}
			return platform.NewProviderError(b.cfg.ID, platform.CodeRateLimited, true, err)
		}
	}

	err := b.breaker.Call(func() error {
		return b.classify(fn(ctx))
	}, platform.IsRetryable)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return platform.NewProviderError(b.cfg.ID, platform.CodeCircuitOpen, true, err)
	}
	if err != nil && platform.IsRetryable(err) {
		observability.IncrementCircuitBreakerFailures(b.cfg.ID)
	}
	return err
}

// callWithRetry is call for idempotent operations. Transient failures are
// retried with backoff before being reported.
func (b *base) callWithRetry(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, func(ctx context.Context) error {
		return b.call(ctx, timeout, fn)
	}, b.opts.Retry, isTransient)
}

// isTransient reports whether repeating the same call may succeed
func isTransient(err error) bool {
	var pe *platform.ProviderError
	if !errors.As(err, &pe) {
		return resilience.IsRetryableNetworkError(err)
	}
	switch pe.Code {
	case platform.CodeNetwork, platform.CodeTimeout, platform.CodeUnavailable, platform.CodeRateLimited:
		return true
	}
	return false
}

// classify maps a raw failure onto the provider error taxonomy
func (b *base) classify(err error) error {
	if err == nil {
		return nil
	}

	var pe *platform.ProviderError
	if errors.As(err, &pe) {
		if pe.Platform == "" {
			pe.Platform = b.cfg.ID
		}
		return pe
	}
	if pe := platform.FromContext(b.cfg.ID, err); pe != nil {
		return pe
	}

	var se *statusError
	if errors.As(err, &se) {
		code, retryable := classifyStatus(se.Status)
		return platform.NewProviderError(b.cfg.ID, code, retryable, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return platform.NewProviderError(b.cfg.ID, platform.CodeMalformed, true, err)
	}

	if resilience.IsRetryableNetworkError(err) {
		return platform.NewProviderError(b.cfg.ID, platform.CodeNetwork, true, err)
	}
	return platform.NewProviderError(b.cfg.ID, platform.CodeUnknown, true, err)
}

// classifyStatus maps an HTTP status to a provider error code. Only request
// shape problems are non-retryable; credentials, voices and quotas differ
// between platforms.
func classifyStatus(status int) (string, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return platform.CodeUnauthorized, true
	case status == http.StatusPaymentRequired:
		return platform.CodeQuotaExceeded, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return platform.CodeTimeout, true
	case status == http.StatusTooManyRequests:
		return platform.CodeRateLimited, true
	case status == http.StatusNotFound:
		return platform.CodeUnavailable, true
	case status == http.StatusBadRequest ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnsupportedMediaType ||
		status == http.StatusUnprocessableEntity:
		return platform.CodeInvalidRequest, false
	case status >= 500:
		return platform.CodeUnavailable, true
	}
	return platform.CodeUnknown, true
}

// endpoint joins the configured endpoint (or fallback) with path
func (b *base) endpoint(fallback, path string) string {
	root := b.cfg.Endpoint
	if root == "" {
		root = fallback
	}
	return strings.TrimRight(root, "/") + path
}

// do sends req and returns the body of a 2xx response
func (b *base) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// send issues a request with an optional JSON body and returns the raw
// body of a 2xx response
func (b *base) send(ctx context.Context, method, url string, headers map[string]string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := jsonBody(in)
		if err != nil {
			return nil, err
		}
		body = payload
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req)
}

// doJSON is send followed by decoding the response into out (if non-nil)
func (b *base) doJSON(ctx context.Context, method, url string, headers map[string]string, in, out any) error {
	raw, err := b.send(ctx, method, url, headers, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(b.cfg.ID, raw, out)
}

// sendMultipart uploads audio samples, in order, under fileField along with
// plain form fields
func (b *base) sendMultipart(ctx context.Context, url string, headers map[string]string, fileField string, samples [][]byte, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for i, sample := range samples {
		part, err := writer.CreateFormFile(fileField, "sample-"+strconv.Itoa(i)+".wav")
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(sample); err != nil {
			return nil, fmt.Errorf("failed to write sample: %w", err)
		}
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req)
}

// probe runs a connection test, logging the cause of any failure
func (b *base) probe(ctx context.Context, fn func(ctx context.Context) error) bool {
	err := b.call(ctx, b.opts.Timeouts.TestConnection, fn)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Connection test failed")
		return false
	}
	return true
}

// cost prices a request by character count
func (b *base) cost(text string) float64 {
	return float64(utf8.RuneCountInString(text)) * b.cfg.CostPerUnit
}

// model returns the configured model or fallback
func (b *base) model(fallback string) string {
	if b.cfg.Model != "" {
		return b.cfg.Model
	}
	return fallback
}

// finishPCM applies volume and encodes provider PCM into the requested
// format and sample rate
func (b *base) finishPCM(pcm []byte, inputRate int, req platform.SynthesisRequest) ([]byte, error) {
	if gain := req.Gain(); gain != 1.0 {
		gained, err := audio.ApplyGain(pcm, gain)
		if err != nil {
			return nil, platform.NewProviderError(b.cfg.ID, platform.CodeMalformed, true, err)
		}
		pcm = gained
	}
	encoded, err := audio.Encode(pcm, inputRate, req.Format, req.SampleRate)
	if err != nil {
		if errors.Is(err, audio.ErrUnsupportedFormat) {
			return nil, platform.NewProviderError(b.cfg.ID, platform.CodeUnsupported, true, err)
		}
		return nil, platform.NewProviderError(b.cfg.ID, platform.CodeMalformed, true, err)
	}
	return encoded, nil
}

// result assembles a synthesis result for audio held in memory
func (b *base) result(data []byte, req platform.SynthesisRequest, started time.Time) *platform.SynthesisResult {
	var duration float64
	if req.Format == platform.FormatMP3 {
		duration = float64(len(data)*8) / mp3BitRate
	} else {
		duration = audio.Duration(len(data), req.Format, req.SampleRate)
	}
	return &platform.SynthesisResult{
		Audio:          platform.AudioReference{Data: data},
		Format:         req.Format,
		Duration:       duration,
		ByteSize:       len(data),
		Cost:           b.cost(req.Text),
		PlatformUsed:   b.cfg.ID,
		ProcessingTime: time.Since(started),
	}
}

// prepare normalizes and validates a synthesis request
func (b *base) prepare(req platform.SynthesisRequest) (platform.SynthesisRequest, error) {
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return req, b.classify(err)
	}
	return req, nil
}

// Close releases idle HTTP connections
func (b *base) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// jsonBody marshals in for a request body
func jsonBody(in any) (io.Reader, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, platform.NewProviderError("", platform.CodeInvalidRequest, false,
			fmt.Errorf("failed to marshal request: %w", err))
	}
	return bytes.NewReader(payload), nil
}

// decodeJSON decodes a provider response, reporting garbage as malformed
func decodeJSON(platformID string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return platform.NewProviderError(platformID, platform.CodeMalformed, true,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func parseGender(s string) platform.Gender {
	switch strings.ToLower(s) {
	case "male", "masculine", "m":
		return platform.GenderMale
	case "female", "feminine", "f":
		return platform.GenderFemale
	case "":
		return ""
	}
	return platform.GenderNeutral
}
