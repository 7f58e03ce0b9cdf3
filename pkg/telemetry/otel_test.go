package telemetry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"

	"github.com/polisai/tokenswipe/pkg/domain"
)

type traceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
}

func startTraceCollector(t *testing.T) (*traceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &traceCollector{}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	go func() { _ = server.Serve(lis) }()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})
	return collector, lis.Addr().String()
}

func (c *traceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	c.resourceSpans = append(c.resourceSpans, req.ResourceSpans...)
	c.mu.Unlock()
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (c *traceCollector) snapshot() (names []string, services []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rs := range c.resourceSpans {
		for _, attr := range rs.GetResource().GetAttributes() {
			if attr.GetKey() == "service.name" {
				services = append(services, attr.GetValue().GetStringValue())
			}
		}
		for _, scope := range rs.ScopeSpans {
			for _, span := range scope.Spans {
				names = append(names, span.GetName())
			}
		}
	}
	return names, services
}

func restoreTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestSetupProviderExportsSpans(t *testing.T) {
	restoreTracerProvider(t)
	collector, addr := startTraceCollector(t)

	shutdown, err := SetupProvider(context.Background(), Config{
		ServiceName: "tokenswipe-test",
		Endpoint:    addr,
		Insecure:    true,
	})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "swap.execute")
	assert.NotEmpty(t, TraceID(ctx))
	span.End()

	require.NoError(t, shutdown(context.Background()))

	names, services := collector.snapshot()
	assert.Contains(t, names, "swap.execute")
	assert.Contains(t, services, "tokenswipe-test")
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTraceIDOutsideSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}

func TestRecordError(t *testing.T) {
	restoreTracerProvider(t)
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	_, span := StartSpan(context.Background(), "venue.query")
	RecordError(span, domain.NewError(domain.ErrProviderUnavailable, "upstream timeout"))
	RecordError(span, nil)
	RecordError(nil, errors.New("ignored"))
	span.End()

	_, plain := StartSpan(context.Background(), "cache.get")
	RecordError(plain, errors.New("boom"))
	plain.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "Error", ended[0].Status().Code.String())
	assert.Equal(t, domain.CodeProviderUnavailable, ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, domain.CodeInternal, ended[1].Status().Description)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
