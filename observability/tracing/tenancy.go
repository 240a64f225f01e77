// Package tracing wires OpenTelemetry into the control plane: an OTLP
// provider, HTTP server spans, and span helpers for tenant lifecycle and
// quota operations.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by every tenancy span.
const (
	AttrNamespace = attribute.Key("tenancy.namespace")
	AttrTenantID  = attribute.Key("tenancy.tenant_id")
	AttrQuotaKey  = attribute.Key("tenancy.quota.key")
	AttrStep      = attribute.Key("tenancy.provision.step")
	AttrRequestID = attribute.Key("tenancy.request_id")
)

// Tracer starts spans for control-plane operations. The zero value is not
// usable; a nil *Tracer is, and records nothing.
type Tracer struct {
	tracer trace.Tracer
}

// New wraps tracer. A nil tracer uses the global provider at call time of New.
func New(tracer trace.Tracer) *Tracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("tenancy")
	}
	return &Tracer{tracer: tracer}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartLifecycle opens a span for a tenant state change such as
// "provision" or "suspend".
func (t *Tracer) StartLifecycle(ctx context.Context, op, namespace string) (context.Context, trace.Span) {
	return t.start(ctx, "tenant."+op, AttrNamespace.String(namespace))
}

// StartStep opens a child span for one provisioning step.
func (t *Tracer) StartStep(ctx context.Context, step string) (context.Context, trace.Span) {
	return t.start(ctx, "tenant.provision."+step, AttrStep.String(step))
}

// StartQuota opens a span for a quota gate operation.
func (t *Tracer) StartQuota(ctx context.Context, op, namespace, key string) (context.Context, trace.Span) {
	return t.start(ctx, "quota."+op, AttrNamespace.String(namespace), AttrQuotaKey.String(key))
}

// End closes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
