package api

import (
	"context"
	"net/http"

	"github.com/GoCodeAlone/tenancy/audit"
)

type contextKey int

const (
	contextKeyRequestID contextKey = iota
	contextKeyClientIP
)

// SetRequestID returns a context carrying the request id.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

func setClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKeyClientIP, ip)
}

// ActorFromRequest describes the caller of an admin request. Operator
// identity comes from the X-Actor-ID and X-Actor-Email headers set by the
// fronting proxy.
func ActorFromRequest(r *http.Request) audit.Actor {
	ip, _ := r.Context().Value(contextKeyClientIP).(string)
	if ip == "" {
		ip = remoteIP(r)
	}
	return audit.Actor{
		ID:        r.Header.Get("X-Actor-ID"),
		Email:     r.Header.Get("X-Actor-Email"),
		IPAddress: ip,
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}
