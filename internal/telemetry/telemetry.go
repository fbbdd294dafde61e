// =============================================================================
// 📡 connpool 遥测初始化
// =============================================================================
// 构建 TracerProvider / MeterProvider。dbpool 的语句 span 与 HTTP 中间件的
// server span 共用同一个 TracerProvider；连接池 gauge 经 ObservePools 注册到
// MeterProvider 上。未启用时不创建任何 exporter。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/config"
)

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测关闭时两者为 nil，访问器回退到全局 provider。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option 调整 Init 的行为
type Option func(*initOptions)

type initOptions struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
	attrs        []attribute.KeyValue
}

// WithSpanExporter 使用给定 exporter 同步导出 span，替代 OTLP trace exporter。
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *initOptions) { o.spanExporter = exp }
}

// WithMetricReader 使用给定 reader，替代 OTLP 周期导出。
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *initOptions) { o.metricReader = r }
}

// WithResourceAttributes 追加资源属性，例如部署环境或默认连接名。
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *initOptions) { o.attrs = append(o.attrs, attrs...) }
}

// Init 按 cfg 构建 provider 并注册为全局 provider 与 W3C 传播器。
func Init(cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg.ServiceName, o.attrs)
	if err != nil {
		return nil, err
	}

	spanOpt, err := spanProcessor(ctx, cfg, o.spanExporter)
	if err != nil {
		return nil, err
	}
	reader, err := metricReader(ctx, cfg, o.metricReader)
	if err != nil {
		return nil, err
	}

	p := &Providers{
		tp: sdktrace.NewTracerProvider(
			spanOpt,
			sdktrace.WithResource(res),
			sdktrace.WithSampler(Sampler(cfg.SampleRate)),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("insecure", cfg.Insecure),
	)
	return p, nil
}

// Sampler 返回父 span 优先的比例采样器。请求已被上游采样时，
// 该请求内的语句 span 一律保留。
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newResource(ctx context.Context, service string, extra []attribute.KeyValue) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(service),
		semconv.ServiceVersionKey.String(buildVersion()),
	}, extra...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func spanProcessor(ctx context.Context, cfg config.TelemetryConfig, exp sdktrace.SpanExporter) (sdktrace.TracerProviderOption, error) {
	if exp != nil {
		return sdktrace.WithSyncer(exp), nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	otlp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.WithBatcher(otlp), nil
}

func metricReader(ctx context.Context, cfg config.TelemetryConfig, r sdkmetric.Reader) (sdkmetric.Reader, error) {
	if r != nil {
		return r, nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}
	return sdkmetric.NewPeriodicReader(exp, readerOpts...), nil
}

// TracerProvider 返回 SDK provider，未启用时返回全局 provider。
func (p *Providers) TracerProvider() trace.TracerProvider {
	if p == nil || p.tp == nil {
		return otel.GetTracerProvider()
	}
	return p.tp
}

// MeterProvider 返回 SDK provider，未启用时返回全局 provider。
func (p *Providers) MeterProvider() metric.MeterProvider {
	if p == nil || p.mp == nil {
		return otel.GetMeterProvider()
	}
	return p.mp
}

// Enabled reports whether SDK providers were built.
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// ObservePools 在本 provider 的 MeterProvider 上注册连接池 gauge。
func (p *Providers) ObservePools(source PoolStatsSource) (metric.Registration, error) {
	return ObservePools(p.MeterProvider(), source)
}

// Shutdown 刷出缓冲的 span 与指标并关闭 exporter，nil 或未启用时为空操作。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
