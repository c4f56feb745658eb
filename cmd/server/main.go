package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-bridge/internal/clone"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/fallback"
	"github.com/lexiqai/voice-bridge/internal/gateway"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/recommend"
	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/stream"
	"github.com/lexiqai/voice-bridge/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("platforms_file", cfg.PlatformsFile).
		Str("stream_url", cfg.StreamURL).
		Str("recommender_url", cfg.RecommenderURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge Service starting")

	platforms, err := config.LoadPlatforms(cfg.PlatformsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load platform list")
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoffDuration()

	factory := tts.Factory(tts.Options{
		Timeouts: tts.Timeouts{
			TestConnection: cfg.TestConnectionTimeout,
			ListVoices:     cfg.ListVoicesTimeout,
			Synthesis:      cfg.SynthesisTimeout,
			Clone:          cfg.CloneTimeout,
		},
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: cfg.CircuitBreakerResetDuration(),
		Retry:               retry,
		HTTPClient:          &http.Client{},
		Logger:              observability.ForComponent("tts"),
	})

	registryOpts := []platform.Option{platform.WithLogger(logger)}
	if cfg.RecommenderURL != "" {
		recommender, err := recommend.NewClient(recommend.Config{
			Target:              cfg.RecommenderURL,
			TLSEnabled:          cfg.RecommenderTLSEnabled,
			Timeout:             cfg.RecommenderTimeoutDuration(),
			BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
			BreakerResetTimeout: cfg.CircuitBreakerResetDuration(),
			Logger:              logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create recommendation client")
		}
		defer recommender.Close()

		healthCtx, cancel := context.WithTimeout(context.Background(), cfg.RecommenderTimeoutDuration())
		if !recommender.Healthy(healthCtx) {
			logger.Warn().Msg("Recommendation service not serving, recommendations will use priority order until it recovers")
		}
		cancel()
		registryOpts = append(registryOpts, platform.WithRecommender(recommender))
	}

	registry, err := platform.NewRegistry(platforms, factory, registryOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build platform registry")
	}
	defer registry.Close()
	if registry.Len() == 0 {
		logger.Warn().Msg("No enabled platforms, synthesis requests will fail")
	}

	orchestrator := fallback.New(registry,
		fallback.WithStopOnNonRetryable(cfg.FallbackStopOnNonRetryable),
		fallback.WithLogger(logger),
	)

	clones := clone.NewManager(registry, clone.Config{
		Interval:       cfg.ClonePollIntervalDuration(),
		MaxWait:        cfg.ClonePollMaxWaitDuration(),
		RequestTimeout: cfg.ListVoicesTimeout,
		Logger:         logger,
	})
	defer clones.Close()

	deps := gateway.Deps{
		Registry: registry,
		Fallback: orchestrator,
		Clones:   clones,
		Logger:   logger,
	}
	if cfg.StreamURL != "" {
		deps.StreamDial = stream.WebSocketDialer(cfg.StreamURL, cfg.StreamAPIKey, cfg.TestConnectionTimeout)
		deps.StreamConfig = stream.Config{
			Endpoint: cfg.StreamURL,
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     cfg.ReconnectBackoffDuration(),
				Multiplier:  1,
			},
			MaxBufferBytes: cfg.StreamMaxBufferBytes,
		}
	}

	// Create HTTP server
	mux := http.NewServeMux()
	gateway.NewServer(deps).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness runs every platform's connection test
	mux.HandleFunc("/ready", observability.ReadinessHandler(registry.TestAll, 5*time.Second))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Synthesis may take up to the configured timeout per platform, so the
	// write timeout leaves room for one fallback
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.SynthesisTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Int("platforms", registry.Len()).
			Str("active", registry.ActiveID()).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
