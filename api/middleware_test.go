package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitIgnoresSpoofedProxyHeaders(t *testing.T) {
	for _, trust := range []bool{false, true} {
		mw := NewMiddleware(testToken, nil)
		mw.TrustProxyHeaders = trust
		t.Cleanup(mw.Stop)
		h := mw.RequestID(mw.RateLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

		codes := make([]int, 0, 2)
		for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
			req.Header.Set("X-Forwarded-For", ip)
			req.Header.Set("X-Real-IP", ip)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes = append(codes, rec.Code)
		}
		if trust {
			assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent}, codes)
		} else {
			assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
		}
	}
}

func TestActorIPFollowsProxyTrust(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		want  string
	}{
		{"untrusted uses remote address", false, "192.0.2.1"},
		{"trusted uses forwarded address", true, "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewMiddleware(testToken, nil)
			mw.TrustProxyHeaders = tt.trust
			var got string
			h := mw.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = ActorFromRequest(r).IPAddress
			}))
			req := httptest.NewRequest(http.MethodGet, "/admin/v1/tenants", nil)
			req.RemoteAddr = "192.0.2.1:4321"
			req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}
