package api

import (
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// AccountHandler serves tenant-scoped endpoints. Every route runs behind
// tenant resolution, so the tenant comes from the request context.
type AccountHandler struct {
	svc        *admin.Service
	identities *identity.Service
	logger     *slog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(svc *admin.Service, identities *identity.Service, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, identities: identities, logger: logger}
}

func (h *AccountHandler) tenant(w http.ResponseWriter, r *http.Request) (*tenant.Tenant, bool) {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown tenant")
	}
	return t, ok
}

// SetPassword handles POST /api/v1/auth/password. It redeems a credential
// token issued at provisioning or by an administrator.
func (h *AccountHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	t, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"` //nolint:gosec // request field
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.identities.SetPassword(r.Context(), t.Namespace, req.Token, req.Password)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, id)
}

// Login handles POST /api/v1/auth/login.
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	t, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"` //nolint:gosec // request field
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.identities.Authenticate(r.Context(), t.Namespace, req.Email, req.Password)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, id)
}

// Tenant handles GET /api/v1/tenant.
func (h *AccountHandler) Tenant(w http.ResponseWriter, r *http.Request) {
	t, ok := h.tenant(w, r)
	if !ok {
		return
	}
	detail, err := h.svc.Describe(r.Context(), t.ID.String())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

// Feature handles GET /api/v1/features/{key}.
func (h *AccountHandler) Feature(w http.ResponseWriter, r *http.Request) {
	t, ok := h.tenant(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	on, err := h.svc.FeatureEnabled(r.Context(), t.ID.String(), key)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": key, "enabled": on})
}
