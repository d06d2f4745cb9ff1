// Package metrics provides OpenTelemetry integration for the arbiter
// daemon. When disabled, all operations are no-ops with zero overhead.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/arbiter/internal/config"
)

const (
	// TracerName is the instrumentation scope name for arbiter traces.
	TracerName = "arbiter"
	// MeterName is the instrumentation scope name for arbiter metrics.
	MeterName = "arbiter"
	// Version is the arbiter version reported in telemetry.
	Version = "v0.3-dev"
)

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry with the given config. Returns a Provider
// that must be Shutdown() on exit. If telemetry is disabled, returns a
// no-op provider.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "arbiter"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("arbiter.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(sampleRate),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
	)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards all spans. Used for exporter=none.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopExporter) Shutdown(_ context.Context) error { return nil }

// Recorder holds the debate engine's metric instruments. A nil Recorder
// is valid and records nothing.
type Recorder struct {
	RequestDuration metric.Float64Histogram
	DebateDuration  metric.Float64Histogram
	DebateRounds    metric.Int64Histogram
	TokensUsed      metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	Escalations     metric.Int64Counter
}

// NewRecorder creates all metric instruments from the given meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	r.RequestDuration, err = meter.Float64Histogram("arbiter.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	r.DebateDuration, err = meter.Float64Histogram("arbiter.debate.duration",
		metric.WithDescription("Debate run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	r.DebateRounds, err = meter.Int64Histogram("arbiter.debate.rounds",
		metric.WithDescription("Rounds per settled debate"),
	)
	if err != nil {
		return nil, err
	}

	r.TokensUsed, err = meter.Int64Counter("arbiter.llm.tokens",
		metric.WithDescription("Total tokens consumed across debates"),
	)
	if err != nil {
		return nil, err
	}

	r.CacheHits, err = meter.Int64Counter("arbiter.cache.hits",
		metric.WithDescription("Result cache hits"),
	)
	if err != nil {
		return nil, err
	}

	r.CacheMisses, err = meter.Int64Counter("arbiter.cache.misses",
		metric.WithDescription("Result cache misses"),
	)
	if err != nil {
		return nil, err
	}

	r.Escalations, err = meter.Int64Counter("arbiter.escalations",
		metric.WithDescription("Debates escalated to human review"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// DebateSettled records one terminal debate outcome.
func (r *Recorder) DebateSettled(ctx context.Context, status string, rounds int, elapsed time.Duration, tokens int) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	r.DebateDuration.Record(ctx, elapsed.Seconds(), attrs)
	r.DebateRounds.Record(ctx, int64(rounds), attrs)
	if tokens > 0 {
		r.TokensUsed.Add(ctx, int64(tokens))
	}
}

func (r *Recorder) CacheHit(ctx context.Context) {
	if r == nil {
		return
	}
	r.CacheHits.Add(ctx, 1)
}

func (r *Recorder) CacheMiss(ctx context.Context) {
	if r == nil {
		return
	}
	r.CacheMisses.Add(ctx, 1)
}

func (r *Recorder) Escalated(ctx context.Context) {
	if r == nil {
		return
	}
	r.Escalations.Add(ctx, 1)
}

// Request records one gateway request.
func (r *Recorder) Request(ctx context.Context, route string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.RequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("route", route)))
}
