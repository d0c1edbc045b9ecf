package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	_, span := p.Tracer().Start(context.Background(), "noop")
	if p.tp != nil {
		t.Error("disabled provider should not own a tracer provider")
	}
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProviderWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{
		Enabled:    true,
		SampleRate: 0.5,
		Version:    "0.1.0",
		Machine:    "UIP 1 - Calmar [G50-H]",
		Location:   "Calmar",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.tp == nil {
		t.Fatal("enabled provider should own a tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{Machine: "GAMA-01"})

	got := make(map[string]string)
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["service.name"] != "machinetail" || got["machine.name"] != "GAMA-01" {
		t.Errorf("attributes = %v", got)
	}
	if _, ok := got["machine.location"]; ok {
		t.Error("empty location should be omitted")
	}
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")

	ctx, tick := TraceTick(context.Background(), tracer, "GAMA-01")

	_, read := TraceSource(ctx, tracer, "command")
	read.End()

	sinkCtx, sink := TraceSink(ctx, tracer, "warehouse", "kafka")
	RecordError(sinkCtx, errors.New("broker unavailable"))
	sink.End()

	tick.End()

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(spans))
	}

	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range spans {
		byName[s.Name()] = s
	}

	root, ok := byName["monitor.tick"]
	if !ok {
		t.Fatal("missing monitor.tick span")
	}
	for _, name := range []string{"source.read", "sink.warehouse"} {
		child, ok := byName[name]
		if !ok {
			t.Fatalf("missing %s span", name)
		}
		if child.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("%s is not a child of the tick span", name)
		}
	}

	if byName["sink.warehouse"].Status().Code != codes.Error {
		t.Error("sink span should be marked failed")
	}
}
