package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/tenancy/store"
)

type contextKey string

const (
	tenantKey contextKey = "tenant"

	// HeaderName carries an explicit tenant namespace for requests that do
	// not arrive on a tenant hostname.
	HeaderName = "X-Tenant"
)

// FromContext returns the tenant resolved for the request, if any.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*Tenant)
	return t, ok && t != nil
}

// WithTenant returns a context carrying t.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// Resolution is HTTP middleware that resolves the tenant for each request
// from the X-Tenant header or the Host and stores it in the request context.
// Requests for unknown tenants, or tenants that are not active, are rejected.
type Resolution struct {
	Registry   *Registry
	HeaderName string
	// Optional lets requests without a resolvable tenant through untouched.
	Optional bool
	Logger   *slog.Logger
}

// NewResolution creates the middleware with the default header.
func NewResolution(reg *Registry, logger *slog.Logger) *Resolution {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolution{Registry: reg, HeaderName: HeaderName, Logger: logger}
}

// Process wraps next with tenant resolution.
func (m *Resolution) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := m.resolve(r)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				if m.Optional {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tenant"})
				return
			}
			m.Logger.Error("tenant resolution failed", "host", r.Host, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "tenant resolution failed"})
			return
		}

		switch t.Status {
		case StatusActive:
		case StatusSuspended:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "tenant suspended"})
			return
		default:
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tenant not ready: " + string(t.Status)})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), t)))
	})
}

func (m *Resolution) resolve(r *http.Request) (*Tenant, error) {
	if ns := strings.TrimSpace(r.Header.Get(m.HeaderName)); ns != "" {
		return m.Registry.ResolveTenantByNamespace(r.Context(), ns)
	}
	return m.Registry.ResolveTenantByHostname(r.Context(), r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
