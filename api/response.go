package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/provision"
	"github.com/GoCodeAlone/tenancy/quota"
	"github.com/GoCodeAlone/tenancy/store"
)

// envelope is the standard JSON response wrapper.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// listEnvelope wraps a list response with its paging window.
type listEnvelope struct {
	Data   any `json:"data"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// WriteJSON writes data with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{Error: message})
}

// WriteList writes a page of items.
func WriteList(w http.ResponseWriter, items any, count, limit, offset int) {
	writeEnvelope(w, http.StatusOK, listEnvelope{Data: items, Count: count, Limit: limit, Offset: offset})
}

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return http.StatusForbidden
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, provision.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrContended):
		return http.StatusServiceUnavailable
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, provision.ErrProvisioningFailed):
		return http.StatusBadGateway
	case errors.Is(err, admin.ErrPurgeUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes err with the status from StatusFor. Quota
// denials carry the failed check as data. Unmapped errors are logged and
// reported as "internal error".
func WriteServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)
	switch status {
	case http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
		WriteError(w, status, "internal error")
		return
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}

	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		writeEnvelope(w, status, envelope{Data: exceeded.Check, Error: err.Error()})
		return
	}
	WriteError(w, status, err.Error())
}

// decodeBody reads a JSON request body of at most 1 MiB into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
