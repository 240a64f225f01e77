package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/metering"
	"github.com/GoCodeAlone/tenancy/quota"
)

// QuotaHandler exposes quota checks, enforcement and usage counters.
type QuotaHandler struct {
	svc    *admin.Service
	logger *slog.Logger
}

// NewQuotaHandler creates a new QuotaHandler.
func NewQuotaHandler(svc *admin.Service, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{svc: svc, logger: logger}
}

func parsePositive(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

// Check handles POST /admin/v1/tenants/{ref}/quota/check. It never
// records anything.
func (h *QuotaHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string `json:"key"`
		Used   int64  `json:"used"`
		Needed int64  `json:"needed"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.svc.CheckQuota(r.Context(), r.PathValue("ref"), req.Key, req.Used, req.Needed)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, checkView(c))
}

// Enforce handles POST /admin/v1/tenants/{ref}/quota/enforce. A soft-mode
// denial answers 200 with allowed=false.
func (h *QuotaHandler) Enforce(w http.ResponseWriter, r *http.Request) {
	var in admin.EnforceInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.Actor = ActorFromRequest(r)
	c, err := h.svc.EnforceQuota(r.Context(), r.PathValue("ref"), in)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, checkView(c))
}

// Increment handles POST /admin/v1/tenants/{ref}/quota/increment.
func (h *QuotaHandler) Increment(w http.ResponseWriter, r *http.Request) {
	var in admin.IncrementInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Granularity != "" {
		g, err := metering.ParseGranularity(string(in.Granularity))
		if err != nil {
			WriteServiceError(w, h.logger, err)
			return
		}
		in.Granularity = g
	}
	in.Actor = ActorFromRequest(r)
	total, err := h.svc.IncrementAndEnforce(r.Context(), r.PathValue("ref"), in)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": in.Key, "total": total})
}

// AddStorage handles POST /admin/v1/tenants/{ref}/storage.
func (h *QuotaHandler) AddStorage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeltaBytes int64          `json:"delta_bytes"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	total, err := h.svc.AddMeteredBytes(r.Context(), r.PathValue("ref"), req.DeltaBytes, req.Metadata)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"total_bytes": total})
}

// Usage handles GET /admin/v1/tenants/{ref}/usage.
func (h *QuotaHandler) Usage(w http.ResponseWriter, r *http.Request) {
	counters, err := h.svc.Usage(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if counters == nil {
		counters = []metering.Counter{}
	}
	WriteJSON(w, http.StatusOK, counters)
}

type checkResponse struct {
	quota.Check
	Remaining *int64 `json:"remaining"`
}

func checkView(c quota.Check) checkResponse {
	out := checkResponse{Check: c}
	if n, ok := c.Remaining(); ok {
		out.Remaining = &n
	}
	return out
}
