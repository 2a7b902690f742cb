// ABOUTME: OpenTelemetry setup: trace and meter providers with a configurable span exporter
// ABOUTME: The "none" exporter yields no-op providers so instrumented code pays nothing

package telemetry

import (
	"context"
	"errors"
	"fmt"

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

	"github.com/vespid-ai/vespid-gateway/internal/config"
)

const (
	// ScopeName is the instrumentation scope for gateway traces and metrics.
	ScopeName = "github.com/vespid-ai/vespid-gateway"
)

// Provider wraps the tracer and meter providers with cleanup.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Init sets up OpenTelemetry for the configured exporter. The returned
// Provider must be shut down on exit.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(ScopeName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create metrics: %w", err), tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	return &Provider{
		Tracer:  tp.Tracer(ScopeName),
		Meter:   meter,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Noop returns a provider whose tracer and instruments discard everything.
func Noop() *Provider {
	meter := noop.NewMeterProvider().Meter(ScopeName)
	// noop instruments never fail to construct
	metrics, _ := NewMetrics(meter)
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:    meter,
		Metrics:  metrics,
		shutdown: func(context.Context) error { return nil },
	}
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http":
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
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// Span attribute keys
var (
	AttrOrgID     = attribute.Key("vespid.org.id")
	AttrSessionID = attribute.Key("vespid.session.id")
	AttrAgentID   = attribute.Key("vespid.agent.id")
	AttrRequestID = attribute.Key("vespid.request.id")
	AttrKind      = attribute.Key("vespid.execution.kind")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
