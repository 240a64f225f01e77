package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/entitlement"
)

// PlanHandler serves the plan catalog and tenant plan assignment.
type PlanHandler struct {
	svc    *admin.Service
	logger *slog.Logger
}

// NewPlanHandler creates a new PlanHandler.
func NewPlanHandler(svc *admin.Service, logger *slog.Logger) *PlanHandler {
	return &PlanHandler{svc: svc, logger: logger}
}

// List handles GET /admin/v1/plans?all=true.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.Plans(r.Context(), r.URL.Query().Get("all") != "true")
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if plans == nil {
		plans = []*entitlement.Plan{}
	}
	WriteJSON(w, http.StatusOK, plans)
}

// Seed handles POST /admin/v1/plans/seed.
func (h *PlanHandler) Seed(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SeedPlans(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type setPlanRequest struct {
	PlanCode         string                 `json:"plan_code"`
	Status           entitlement.PlanStatus `json:"status,omitempty"`
	QuotaOverrides   entitlement.Quotas     `json:"quota_overrides,omitempty"`
	FeatureOverrides map[string]bool        `json:"feature_overrides,omitempty"`
	StartsAt         time.Time              `json:"starts_at,omitzero"`
	EndsAt           *time.Time             `json:"ends_at,omitempty"`
}

// SetTenantPlan handles PUT /admin/v1/tenants/{ref}/plan.
func (h *PlanHandler) SetTenantPlan(w http.ResponseWriter, r *http.Request) {
	var req setPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tp, err := h.svc.SetTenantPlan(r.Context(), r.PathValue("ref"), entitlement.SetPlanInput{
		PlanCode:         req.PlanCode,
		Status:           req.Status,
		QuotaOverrides:   req.QuotaOverrides,
		FeatureOverrides: req.FeatureOverrides,
		StartsAt:         req.StartsAt,
		EndsAt:           req.EndsAt,
		Actor:            ActorFromRequest(r),
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, tp)
}

// Entitlements handles GET /admin/v1/tenants/{ref}/entitlements.
func (h *PlanHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	ent, err := h.svc.Entitlements(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, ent)
}

// Feature handles GET /admin/v1/tenants/{ref}/features/{key}.
func (h *PlanHandler) Feature(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	on, err := h.svc.FeatureEnabled(r.Context(), r.PathValue("ref"), key)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": key, "enabled": on})
}

// PurgeAudit handles POST /admin/v1/audit/purge?days=90.
func (h *PlanHandler) PurgeAudit(w http.ResponseWriter, r *http.Request) {
	days := 90
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = int(n)
	}
	n, err := h.svc.PurgeAudit(r.Context(), days)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": n, "days": days})
}
