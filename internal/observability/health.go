package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Version is reported by the health endpoints
const Version = "1.0.0"

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// HealthCheckHandler handles liveness requests
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "voice-bridge",
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// PlatformProbe tests every platform and reports reachability per id
type PlatformProbe func(ctx context.Context) map[string]bool

// ReadinessHandler reports ready when at least one platform answers its
// connection test. Unreachable platforms are listed but do not fail
// readiness on their own, since the fallback chain can route around them.
func ReadinessHandler(probe PlatformProbe, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		start := time.Now()
		results := probe(ctx)
		latency := time.Since(start).Milliseconds()

		dependencies := make(map[string]DependencyStatus, len(results))
		anyHealthy := false
		for id, ok := range results {
			status := DependencyStatus{Status: "healthy", LatencyMs: latency}
			if !ok {
				status.Status = "unhealthy"
				status.Message = "connection test failed"
			} else {
				anyHealthy = true
			}
			dependencies[id] = status
		}

		status := HealthStatus{
			Status:       "ready",
			Service:      "voice-bridge",
			Version:      Version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}

		code := http.StatusOK
		if !anyHealthy {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	}
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
