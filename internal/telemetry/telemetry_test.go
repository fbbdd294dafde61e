package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/dbpool"
)

// saveAndRestoreGlobalProviders 保存全局 provider 与传播器，测试结束时还原。
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabledConfig(rate float64) config.TelemetryConfig {
	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "connpool-test"
	cfg.SampleRate = rate
	return cfg
}

func shutdownOnCleanup(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_DisabledKeepsGlobals(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	before := otel.GetTracerProvider()

	p, err := Init(config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Same(t, before, p.TracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_InMemoryExporters(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := Init(enabledConfig(1), zaptest.NewLogger(t),
		WithSpanExporter(spans),
		WithMetricReader(reader),
		WithResourceAttributes(attribute.String("db.pool.default_connection", "default")),
	)
	require.NoError(t, err)
	shutdownOnCleanup(t, p)

	require.True(t, p.Enabled())
	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "db.statement")
	span.End()

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "db.statement", got[0].Name)

	res := got[0].Resource.Set()
	service, ok := res.Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "connpool-test", service.AsString())
	conn, ok := res.Value("db.pool.default_connection")
	require.True(t, ok)
	assert.Equal(t, "default", conn.AsString())
}

func TestProviders_ObservePoolsUsesOwnMeter(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	reader := sdkmetric.NewManualReader()
	p, err := Init(enabledConfig(1), nil,
		WithSpanExporter(tracetest.NewInMemoryExporter()),
		WithMetricReader(reader),
	)
	require.NoError(t, err)
	shutdownOnCleanup(t, p)

	reg, err := p.ObservePools(staticStats{{Name: "default", Capacity: 3, Idle: 3}})
	require.NoError(t, err)
	defer reg.Unregister()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	assert.ElementsMatch(t, []string{"db.pool.capacity", "db.pool.idle", "db.pool.in_use"}, names)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		sampled bool
	}{
		{"always", 1, true},
		{"above one", 2, true},
		{"never", 0, false},
		{"negative", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Sampler(tt.rate).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       trace.TraceID{1},
				Name:          "db.statement",
			})
			assert.Equal(t, tt.sampled, res.Decision == sdktrace.RecordAndSample)
		})
	}
}

func TestSampler_FollowsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{2},
		SpanID:     trace.SpanID{3},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)

	res := Sampler(0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: ctx,
		TraceID:       parent.TraceID(),
		Name:          "db.statement",
	})
	assert.Equal(t, sdktrace.RecordAndSample, res.Decision)
}

func TestProviders_NilSafe(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.TracerProvider())
	assert.NotNil(t, p.MeterProvider())
	assert.NoError(t, p.Shutdown(context.Background()))

	reg, err := p.ObservePools(staticStats(nil))
	require.NoError(t, err)
	assert.NoError(t, reg.Unregister())
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}

var _ PoolStatsSource = (*dbpool.Manager)(nil)
