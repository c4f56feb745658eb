package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_synthesis_requests_total",
		Help: "Synthesis calls per platform and outcome",
	}, []string{"platform", "status"})

	synthesisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bridge_synthesis_latency_seconds",
		Help:    "Synthesis latency per platform in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"platform"})

	// Fallback metrics
	fallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_fallback_attempts_total",
		Help: "Adapter attempts made by the fallback chain",
	}, []string{"operation", "platform", "outcome"})

	fallbackExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_fallback_exhausted_total",
		Help: "Requests for which every platform failed",
	}, []string{"operation"})

	activePlatform = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_active_platform",
		Help: "1 for the active platform, 0 otherwise",
	}, []string{"platform"})

	// Streaming metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_streams",
		Help: "Number of open client streaming sessions",
	})

	streamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_stream_frames_total",
		Help: "Frames received on streaming transports",
	}, []string{"kind"}) // kind: binary, control

	streamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_stream_audio_bytes_total",
		Help: "Audio bytes received on streaming transports",
	})

	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_stream_reconnect_attempts_total",
		Help: "Streaming transport reconnection attempts",
	}, []string{"outcome"})

	// Clone metrics
	cloneOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_clone_jobs_total",
		Help: "Clone jobs by terminal status",
	}, []string{"status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	activeMu         sync.Mutex
	activePlatformID string
)

// RecordSynthesis records one adapter synthesis call
func RecordSynthesis(platform string, success bool, latency time.Duration) {
	synthesisLatency.WithLabelValues(platform).Observe(latency.Seconds())
	synthesisRequests.WithLabelValues(platform, statusLabel(success)).Inc()
}

// RecordFallbackAttempt records one step of a fallback chain
func RecordFallbackAttempt(operation, platform, outcome string) {
	fallbackAttempts.WithLabelValues(operation, platform, outcome).Inc()
}

// RecordFallbackExhausted records a request that failed on every platform
func RecordFallbackExhausted(operation string) {
	fallbackExhausted.WithLabelValues(operation).Inc()
}

// SetActivePlatform moves the active platform gauge
func SetActivePlatform(platform string) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activePlatformID != "" {
		activePlatform.WithLabelValues(activePlatformID).Set(0)
	}
	activePlatform.WithLabelValues(platform).Set(1)
	activePlatformID = platform
}

// RecordStreamFrame records an inbound streaming frame
func RecordStreamFrame(kind string, bytes int) {
	streamFrames.WithLabelValues(kind).Inc()
	if bytes > 0 {
		streamBytes.Add(float64(bytes))
	}
}

// RecordReconnectAttempt records a reconnection attempt outcome
func RecordReconnectAttempt(success bool) {
	reconnectAttempts.WithLabelValues(statusLabel(success)).Inc()
}

// RecordCloneOutcome records a clone job reaching a final state
func RecordCloneOutcome(status string) {
	cloneOutcomes.WithLabelValues(status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// SessionMetrics tracks a single client streaming session
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	requestStart time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for a streaming session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeStreams.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeStreams.Dec()
}

// RecordRequestStart marks the start of a streamed synthesis request
func (m *SessionMetrics) RecordRequestStart() {
	m.mu.Lock()
	m.requestStart = time.Now()
	m.mu.Unlock()
}

// RecordRequestEnd records the end of a streamed synthesis request
func (m *SessionMetrics) RecordRequestEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latency time.Duration
	if !m.requestStart.IsZero() {
		latency = time.Since(m.requestStart)
	}
	RecordSynthesis("stream", success, latency)
}

// Duration returns how long the session has been open
func (m *SessionMetrics) Duration() time.Duration {
	return time.Since(m.startTime)
}
