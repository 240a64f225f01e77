package quota

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/entitlement"
	"github.com/GoCodeAlone/tenancy/metering"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// MetricAPIRequests is the daily usage counter behind api_requests_per_day.
const MetricAPIRequests = "api_requests"

// APIRequests counts each /api/ request of a resolved tenant against
// api_requests_per_day. It must run after tenant resolution. A hard denial
// answers 429; lock contention and store errors let the request through.
type APIRequests struct {
	Gate   *Gate
	Prefix string
	Logger *slog.Logger
}

// NewAPIRequests creates the middleware for paths under /api/.
func NewAPIRequests(g *Gate, logger *slog.Logger) *APIRequests {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIRequests{Gate: g, Prefix: "/api/", Logger: logger}
}

func (m *APIRequests) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := tenant.FromContext(r.Context())
		if !ok || !strings.HasPrefix(r.URL.Path, m.Prefix) {
			next.ServeHTTP(w, r)
			return
		}

		_, err := m.Gate.IncrementAndEnforce(r.Context(), IncrementRequest{
			Tenant:      t,
			Key:         entitlement.KeyAPIRequestsPerDay,
			Metric:      MetricAPIRequests,
			Granularity: metering.Day,
			Needed:      1,
			Metadata:    map[string]any{"path": r.URL.Path, "method": r.Method},
			Actor:       audit.Actor{IPAddress: r.RemoteAddr, UserAgent: r.UserAgent(), RequestID: r.Header.Get("X-Request-ID")},
		})
		var exceeded *ExceededError
		switch {
		case errors.As(err, &exceeded):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": "api request quota exceeded",
				"key":   exceeded.Check.Key,
				"limit": exceeded.Check.Limit,
			})
			return
		case err != nil:
			m.Logger.Warn("api request metering failed", "tenant", t.Namespace, "error", err)
		}
		next.ServeHTTP(w, r)
	})
}
