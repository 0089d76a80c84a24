// Package observability wires the host's telemetry: Prometheus metrics,
// OpenTelemetry tracing, and slog setup with secret redaction.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures span export. An empty Endpoint leaves tracing as
// a no-op; spans still exist so trace ids stay stable within a request.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Defaults to
	// "switchboard".
	ServiceName string

	// ServiceVersion is stamped on every span's resource.
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address ("localhost:4317").
	Endpoint string

	// SamplingRate records this fraction of traces. Zero means record all.
	SamplingRate float64

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// Tracer wraps an OTel tracer with the host's span conventions.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer and its shutdown hook. When no endpoint is
// configured or the exporter cannot be built, the returned tracer records
// locally without exporting.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "switchboard"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if config.SamplingRate > 0 && config.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, provider.Shutdown
}

// Start opens a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartLLM opens a client span around one completion request.
func (t *Tracer) StartLLM(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("llm.%s", provider),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

// StartTool opens a span around one MCP tool execution.
func (t *Tracer) StartTool(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("tool.%s", toolName),
		trace.WithAttributes(attribute.String("tool.name", toolName)))
}

// StartHTTP opens a server span around one handled request.
func (t *Tracer) StartHTTP(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("http.%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the active trace id, or "" outside a trace.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
