// Package tracing sets up OpenTelemetry and names the spans of a tick.
package tracing

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
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "machinetail"

// Config holds tracing configuration
type Config struct {
	Enabled    bool
	Endpoint   string
	Insecure   bool
	SampleRate float64

	// Resource attributes telling agents apart
	Version  string
	Machine  string
	Location string
}

// Provider owns the SDK tracer provider when tracing is enabled
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider installs a global tracer provider. A disabled config returns
// a provider backed by the no-op global tracer. Spans are only exported
// when an endpoint is set.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(instrumentationName)}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithResource(res),
	}

	if cfg.Endpoint != "" {
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", instrumentationName)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}
	if cfg.Machine != "" {
		attrs = append(attrs, attribute.String("machine.name", cfg.Machine))
	}
	if cfg.Location != "" {
		attrs = append(attrs, attribute.String("machine.location", cfg.Location))
	}
	return attrs
}

// sampler keeps the parent's decision and samples root ticks at rate
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the tracer
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// RecordError marks the span in ctx failed
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceTick starts the root span of one monitoring tick
func TraceTick(ctx context.Context, tracer trace.Tracer, machine string) (context.Context, trace.Span) {
	return start(ctx, tracer, "monitor.tick", attribute.String("machine.name", machine))
}

// TraceSource starts the span of one full log read
func TraceSource(ctx context.Context, tracer trace.Tracer, source string) (context.Context, trace.Span) {
	return start(ctx, tracer, "source.read", attribute.String("source.name", source))
}

// TraceParser starts the span of one record parse
func TraceParser(ctx context.Context, tracer trace.Tracer, parser string) (context.Context, trace.Span) {
	return start(ctx, tracer, "parser.parse", attribute.String("parser.type", parser))
}

// TraceSink starts the span of one delivery, retries included
func TraceSink(ctx context.Context, tracer trace.Tracer, sink, kind string) (context.Context, trace.Span) {
	return start(ctx, tracer, "sink."+sink,
		attribute.String("sink.name", sink),
		attribute.String("sink.type", kind),
	)
}
