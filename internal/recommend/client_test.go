package recommend

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

// fakeRecommender answers Recommend with a fixed reply and records requests
type fakeRecommender struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	reply    map[string]any
	err      error
}

func (f *fakeRecommender) recommend(in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, in)
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.reply)
}

func (f *fakeRecommender) last() *structpb.Struct {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

var recommenderDesc = grpc.ServiceDesc{
	ServiceName: Service,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Recommend",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeRecommender).recommend(in)
		},
	}},
}

func startServer(t *testing.T, fake *fakeRecommender, serving healthpb.HealthCheckResponse_ServingStatus) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&recommenderDesc, fake)

	hs := health.NewServer()
	hs.SetServingStatus(Service, serving)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewClient(Config{
		Target:             "passthrough:///bufnet",
		Timeout:            time.Second,
		BreakerMaxFailures: 2,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func ptr(v float64) *float64 { return &v }

func TestClient_Recommend(t *testing.T) {
	fake := &fakeRecommender{reply: map[string]any{"platform_id": "p2", "score": 0.9}}
	client := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	id, err := client.Recommend(context.Background(), platform.Criteria{CostPriority: ptr(0.8)}, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, "p2", id)

	req := fake.last().AsMap()
	assert.Equal(t, []any{"p1", "p2"}, req["candidates"])
	assert.Equal(t, 0.8, req["cost_priority"])
	assert.NotContains(t, req, "speed_priority")
	assert.NotContains(t, req, "quality_priority")
}

func TestClient_EmptyAnswer(t *testing.T) {
	fake := &fakeRecommender{reply: map[string]any{}}
	client := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	_, err := client.Recommend(context.Background(), platform.Criteria{}, []string{"p1"})
	assert.True(t, errors.Is(err, ErrEmptyRecommendation))
}

func TestClient_BreakerOpensOnServiceFailures(t *testing.T) {
	fake := &fakeRecommender{err: status.Error(codes.Unavailable, "overloaded")}
	client := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	for i := 0; i < 2; i++ {
		_, err := client.Recommend(context.Background(), platform.Criteria{}, []string{"p1"})
		assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
	}

	_, err := client.Recommend(context.Background(), platform.Criteria{}, []string{"p1"})
	assert.Contains(t, err.Error(), "circuit breaker is open")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.requests, 2)
}

func TestClient_RequestErrorsDoNotTripBreaker(t *testing.T) {
	fake := &fakeRecommender{err: status.Error(codes.InvalidArgument, "no candidates")}
	client := startServer(t, fake, healthpb.HealthCheckResponse_SERVING)

	for i := 0; i < 4; i++ {
		_, err := client.Recommend(context.Background(), platform.Criteria{}, []string{"p1"})
		require.Error(t, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.requests, 4)
}

func TestClient_Healthy(t *testing.T) {
	serving := startServer(t, &fakeRecommender{}, healthpb.HealthCheckResponse_SERVING)
	assert.True(t, serving.Healthy(context.Background()))

	notServing := startServer(t, &fakeRecommender{}, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.False(t, notServing.Healthy(context.Background()))
}

func TestNewClient_RequiresTarget(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestEncodeRequest(t *testing.T) {
	req, err := encodeRequest(platform.Criteria{
		SpeedPriority:   ptr(0.5),
		QualityPriority: ptr(1),
	}, []string{"a"})
	require.NoError(t, err)

	m := req.AsMap()
	assert.Equal(t, 0.5, m["speed_priority"])
	assert.Equal(t, 1.0, m["quality_priority"])
	assert.Equal(t, []any{"a"}, m["candidates"])
}
