package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(tp.Tracer("test")), exporter
}

func attr(s tracetest.SpanStub, key string) string {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestTracer_LifecycleWithSteps(t *testing.T) {
	tr, exporter := newTestTracer(t)

	ctx, span := tr.StartLifecycle(context.Background(), "provision", "acme")
	_, step := tr.StartStep(ctx, "namespace")
	End(step, nil)
	End(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	stepSpan, parent := spans[0], spans[1]
	if parent.Name != "tenant.provision" {
		t.Errorf("parent name = %q", parent.Name)
	}
	if got := attr(parent, "tenancy.namespace"); got != "acme" {
		t.Errorf("namespace attr = %q", got)
	}
	if stepSpan.Name != "tenant.provision.namespace" {
		t.Errorf("step name = %q", stepSpan.Name)
	}
	if stepSpan.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("step span should be a child of the lifecycle span")
	}
	if parent.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", parent.Status.Code)
	}
}

func TestTracer_QuotaError(t *testing.T) {
	tr, exporter := newTestTracer(t)

	_, span := tr.StartQuota(context.Background(), "increment", "acme", "max_units")
	End(span, errors.New("quota exceeded"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "quota.increment" || attr(s, "tenancy.quota.key") != "max_units" {
		t.Errorf("unexpected span %q key=%q", s.Name, attr(s, "tenancy.quota.key"))
	}
	if s.Status.Code != codes.Error || s.Status.Description != "quota exceeded" {
		t.Errorf("status = %v %q", s.Status.Code, s.Status.Description)
	}
	if len(s.Events) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestTracer_NilIsNoop(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartQuota(context.Background(), "check", "acme", "max_units")
	if ctx == nil || span == nil {
		t.Fatal("nil tracer should return usable values")
	}
	End(span, nil)
}
