package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func serve(t *testing.T, h http.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, tracetest.SpanStub) {
	t.Helper()
	exporter := setupTestProvider(t)
	rec := httptest.NewRecorder()
	SpanMiddleware("X-Tenant")(h).ServeHTTP(rec, req)
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	return rec, spans[0]
}

func TestSpanMiddleware_NamesSpanAndTagsTenant(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant", nil)
	req.Header.Set("X-Tenant", "acme")
	_, span := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		w.WriteHeader(http.StatusOK)
	}, req)

	if span.Name != "GET /api/v1/tenant" {
		t.Errorf("span name = %q", span.Name)
	}
	if got := attr(span, "tenancy.namespace"); got != "acme" {
		t.Errorf("namespace attr = %q, want acme", got)
	}
	if got := attr(span, "tenancy.request_id"); got != "req-1" {
		t.Errorf("request id attr = %q, want req-1", got)
	}
}

func TestSpanMiddleware_ClientErrorFlagged(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/tenants/ghost/suspend", nil)
	rec, span := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	found := false
	for _, kv := range span.Attributes {
		if string(kv.Key) == "error" && kv.Value.AsBool() {
			found = true
		}
	}
	if !found {
		t.Error("expected error attribute on 404 span")
	}
	if span.Status.Code == codes.Error {
		t.Error("4xx should not mark the span status as error")
	}
}

func TestSpanMiddleware_ServerErrorStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/plans", nil)
	_, span := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	}, req)
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want error", span.Status.Code)
	}
	if got := attr(span, "http.response.status_code"); got != "502" {
		t.Errorf("status attr = %q, want first written code 502", got)
	}
}

func TestSpanMiddleware_ImplicitOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec, span := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if got := attr(span, "http.response.status_code"); got != "200" {
		t.Errorf("status attr = %q", got)
	}
}

func TestScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if s := scheme(req); s != "http" {
		t.Errorf("expected http, got %s", s)
	}
	req.Header.Set("X-Forwarded-Proto", "https")
	if s := scheme(req); s != "https" {
		t.Errorf("expected https behind proxy, got %s", s)
	}
}
