package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/entitlement"
	"github.com/GoCodeAlone/tenancy/provision"
	"github.com/GoCodeAlone/tenancy/tenant"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// TenantHandler serves tenant lifecycle administration.
type TenantHandler struct {
	svc    *admin.Service
	logger *slog.Logger
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(svc *admin.Service, logger *slog.Logger) *TenantHandler {
	return &TenantHandler{svc: svc, logger: logger}
}

type createTenantRequest struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Domain     string `json:"domain"`
	IsPrimary  *bool  `json:"is_primary,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Source     string `json:"source,omitempty"`
	// Plan is assigned after creation; with Provision it defaults to the
	// configured default plan.
	Plan      string                   `json:"plan,omitempty"`
	Provision bool                     `json:"provision"`
	Admin     *provision.AdminIdentity `json:"admin,omitempty"`
}

// Create handles POST /admin/v1/tenants. With "provision": true the tenant
// is onboarded in one step and the provisioning result is returned.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor := ActorFromRequest(r)
	in := tenant.CreateTenantInput{
		Name:       req.Name,
		Slug:       req.Slug,
		Domain:     req.Domain,
		IsPrimary:  req.IsPrimary == nil || *req.IsPrimary,
		Namespace:  req.Namespace,
		ExternalID: req.ExternalID,
		Source:     req.Source,
		Actor:      actor,
	}

	if req.Provision {
		res, err := h.svc.Onboard(r.Context(), admin.OnboardInput{CreateTenantInput: in, PlanCode: req.Plan, Admin: req.Admin})
		if err != nil {
			WriteServiceError(w, h.logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
		return
	}

	t, err := h.svc.CreateTenant(r.Context(), in)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if req.Plan != "" {
		if _, err := h.svc.SetTenantPlan(r.Context(), t.ID.String(), entitlement.SetPlanInput{PlanCode: req.Plan, Actor: actor}); err != nil {
			WriteServiceError(w, h.logger, err)
			return
		}
	}
	WriteJSON(w, http.StatusCreated, t)
}

// List handles GET /admin/v1/tenants?status=&source=&limit=&offset=.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tenant.Filter{
		Status: tenant.Status(q.Get("status")),
		Source: q.Get("source"),
		Limit:  defaultPageSize,
	}
	if f.Status != "" && !f.Status.Valid() {
		WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = n
	}

	ts, err := h.svc.ListTenants(r.Context(), f)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if ts == nil {
		ts = []*tenant.Tenant{}
	}
	WriteList(w, ts, len(ts), f.Limit, f.Offset)
}

// Get handles GET /admin/v1/tenants/{ref}.
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Describe(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

// CreateDomain handles POST /admin/v1/tenants/{ref}/domains.
func (h *TenantHandler) CreateDomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname  string `json:"hostname"`
		IsPrimary bool   `json:"is_primary"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.svc.CreateDomain(r.Context(), r.PathValue("ref"), req.Hostname, req.IsPrimary, ActorFromRequest(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

// Provision handles POST /admin/v1/tenants/{ref}/provision. The body is
// optional and may name the administrator to create.
func (h *TenantHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Admin *provision.AdminIdentity `json:"admin,omitempty"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	res, err := h.svc.ProvisionTenant(r.Context(), r.PathValue("ref"), req.Admin, ActorFromRequest(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Suspend handles POST /admin/v1/tenants/{ref}/suspend.
func (h *TenantHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.SuspendTenant(r.Context(), r.PathValue("ref"), ActorFromRequest(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// Activate handles POST /admin/v1/tenants/{ref}/activate.
func (h *TenantHandler) Activate(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.ActivateTenant(r.Context(), r.PathValue("ref"), ActorFromRequest(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// IssueCredential handles POST /admin/v1/tenants/{ref}/credentials.
func (h *TenantHandler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	tok, err := h.svc.IssueCredentialToken(r.Context(), r.PathValue("ref"), req.Email)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tok)
}
