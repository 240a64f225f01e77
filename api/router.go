package api

import (
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/quota"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// Config holds configuration for the API layer.
type Config struct {
	AdminToken string //nolint:gosec // config field
	// TenantHeader overrides the header consulted before the Host when
	// resolving tenant requests.
	TenantHeader string
	// MeterAPIRequests counts tenant /api/ requests against
	// api_requests_per_day.
	MeterAPIRequests bool
	// AuthRateLimit is the per-IP request budget per minute for the login
	// and password endpoints. Defaults to 10.
	AuthRateLimit int
	// TrustProxyHeaders takes the client address from X-Real-IP and
	// X-Forwarded-For instead of the connection's remote address.
	TrustProxyHeaders bool
}

// Services groups what the router serves.
type Services struct {
	Admin      *admin.Service
	Registry   *tenant.Registry
	Identities *identity.Service
	Gate       *quota.Gate
}

// Router is the HTTP surface. Call Close to stop background work.
type Router struct {
	http.Handler
	mw *Middleware
}

// Close releases the rate limiter.
func (r *Router) Close() { r.mw.Stop() }

// NewRouter registers the admin API under /admin/v1 and the tenant API
// under /api/v1.
func NewRouter(svc Services, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mw := NewMiddleware(cfg.AdminToken, logger)
	mw.TrustProxyHeaders = cfg.TrustProxyHeaders
	adminOnly := func(h http.HandlerFunc) http.Handler { return mw.RequireAdmin(h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// --- Tenants ---
	tenantH := NewTenantHandler(svc.Admin, logger)
	mux.Handle("GET /admin/v1/tenants", adminOnly(tenantH.List))
	mux.Handle("POST /admin/v1/tenants", adminOnly(tenantH.Create))
	mux.Handle("GET /admin/v1/tenants/{ref}", adminOnly(tenantH.Get))
	mux.Handle("POST /admin/v1/tenants/{ref}/domains", adminOnly(tenantH.CreateDomain))
	mux.Handle("POST /admin/v1/tenants/{ref}/provision", adminOnly(tenantH.Provision))
	mux.Handle("POST /admin/v1/tenants/{ref}/suspend", adminOnly(tenantH.Suspend))
	mux.Handle("POST /admin/v1/tenants/{ref}/activate", adminOnly(tenantH.Activate))
	mux.Handle("POST /admin/v1/tenants/{ref}/credentials", adminOnly(tenantH.IssueCredential))

	// --- Plans & entitlements ---
	planH := NewPlanHandler(svc.Admin, logger)
	mux.Handle("GET /admin/v1/plans", adminOnly(planH.List))
	mux.Handle("POST /admin/v1/plans/seed", adminOnly(planH.Seed))
	mux.Handle("PUT /admin/v1/tenants/{ref}/plan", adminOnly(planH.SetTenantPlan))
	mux.Handle("GET /admin/v1/tenants/{ref}/entitlements", adminOnly(planH.Entitlements))
	mux.Handle("GET /admin/v1/tenants/{ref}/features/{key}", adminOnly(planH.Feature))
	mux.Handle("POST /admin/v1/audit/purge", adminOnly(planH.PurgeAudit))

	// --- Quotas ---
	quotaH := NewQuotaHandler(svc.Admin, logger)
	mux.Handle("POST /admin/v1/tenants/{ref}/quota/check", adminOnly(quotaH.Check))
	mux.Handle("POST /admin/v1/tenants/{ref}/quota/enforce", adminOnly(quotaH.Enforce))
	mux.Handle("POST /admin/v1/tenants/{ref}/quota/increment", adminOnly(quotaH.Increment))
	mux.Handle("POST /admin/v1/tenants/{ref}/storage", adminOnly(quotaH.AddStorage))
	mux.Handle("GET /admin/v1/tenants/{ref}/usage", adminOnly(quotaH.Usage))

	// --- Tenant API ---
	resolution := tenant.NewResolution(svc.Registry, logger)
	if cfg.TenantHeader != "" {
		resolution.HeaderName = cfg.TenantHeader
	}
	scoped := func(h http.Handler) http.Handler {
		if cfg.MeterAPIRequests && svc.Gate != nil {
			h = quota.NewAPIRequests(svc.Gate, logger).Process(h)
		}
		return resolution.Process(h)
	}
	accountH := NewAccountHandler(svc.Admin, svc.Identities, logger)
	authRL := mw.RateLimit(cfg.AuthRateLimit)
	mux.Handle("GET /api/v1/tenant", scoped(http.HandlerFunc(accountH.Tenant)))
	mux.Handle("GET /api/v1/features/{key}", scoped(http.HandlerFunc(accountH.Feature)))
	if svc.Identities != nil {
		mux.Handle("POST /api/v1/auth/login", authRL(scoped(http.HandlerFunc(accountH.Login))))
		mux.Handle("POST /api/v1/auth/password", authRL(scoped(http.HandlerFunc(accountH.SetPassword))))
	}

	return &Router{Handler: mw.RequestID(mux), mw: mw}
}
