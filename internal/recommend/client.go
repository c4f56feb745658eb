package recommend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// Service is the gRPC service name of the recommendation service
const Service = "voice.v1.Recommender"

const recommendMethod = "/" + Service + "/Recommend"

// ErrEmptyRecommendation is returned when the service answers without a platform
var ErrEmptyRecommendation = errors.New("recommendation service returned no platform")

// Config configures the recommendation client
type Config struct {
	Target              string
	TLSEnabled          bool
	Timeout             time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	Logger              zerolog.Logger
	DialOptions         []grpc.DialOption // Appended after the defaults
}

// Client calls the external recommendation service. It implements
// platform.Recommender.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a client for cfg.Target. The connection is established
// lazily on the first call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Target == "" {
		return nil, errors.New("recommendation service target is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	var opts []grpc.DialOption
	if cfg.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create recommendation client for %s: %w", cfg.Target, err)
	}

	logger := cfg.Logger.With().Str("component", "recommend-client").Str("target", cfg.Target).Logger()
	breaker := resilience.NewCircuitBreaker("recommender", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Recommendation circuit breaker state changed")
	})

	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: breaker,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Recommend asks the service which of candidates best fits criteria
func (c *Client) Recommend(ctx context.Context, criteria platform.Criteria, candidates []string) (string, error) {
	req, err := encodeRequest(criteria, candidates)
	if err != nil {
		return "", err
	}

	resp := &structpb.Struct{}
	err = c.breaker.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.conn.Invoke(callCtx, recommendMethod, req, resp)
	}, isServiceFailure)
	if err != nil {
		if isServiceFailure(err) {
			observability.IncrementCircuitBreakerFailures("recommender")
		}
		return "", fmt.Errorf("recommend: %w", err)
	}

	id, err := decodeResponse(resp)
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("platform_id", id).Strs("candidates", candidates).Msg("Platform recommended")
	return id, nil
}

// Healthy reports whether the service answers its health check as serving
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Recommendation service health check failed")
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// isServiceFailure reports whether err says something about the service's
// health rather than about the request
func isServiceFailure(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Unknown:
		return true
	}
	return false
}

func encodeRequest(criteria platform.Criteria, candidates []string) (*structpb.Struct, error) {
	list := make([]any, len(candidates))
	for i, id := range candidates {
		list[i] = id
	}
	fields := map[string]any{"candidates": list}
	if criteria.CostPriority != nil {
		fields["cost_priority"] = *criteria.CostPriority
	}
	if criteria.SpeedPriority != nil {
		fields["speed_priority"] = *criteria.SpeedPriority
	}
	if criteria.QualityPriority != nil {
		fields["quality_priority"] = *criteria.QualityPriority
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recommendation request: %w", err)
	}
	return req, nil
}

func decodeResponse(resp *structpb.Struct) (string, error) {
	id := resp.GetFields()["platform_id"].GetStringValue()
	if id == "" {
		return "", ErrEmptyRecommendation
	}
	return id, nil
}
