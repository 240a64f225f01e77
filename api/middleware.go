package api

import (
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-ID"

// Middleware holds the admin credential and the per-IP limiter shared by
// the credential endpoints.
type Middleware struct {
	// TrustProxyHeaders takes the client address from X-Real-IP and
	// X-Forwarded-For. Off, only RemoteAddr counts.
	TrustProxyHeaders bool

	adminToken []byte
	logger     *slog.Logger
	limiter    *limiterStore
}

// NewMiddleware creates a Middleware. An empty adminToken rejects every
// admin request.
func NewMiddleware(adminToken string, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{adminToken: []byte(adminToken), logger: logger}
}

// RequestID assigns a request id when the caller sent none and echoes it
// on the response. It also records the client address for the handlers.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := SetRequestID(r.Context(), id)
		ctx = setClientIP(ctx, m.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin checks the Bearer token against the configured admin token.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(m.adminToken) == 0 || subtle.ConstantTimeCompare([]byte(token), m.adminToken) != 1 {
			m.logger.Warn("admin request rejected", "path", r.URL.Path, "ip", m.clientIP(r))
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per client IP.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	b        int
	stop     chan struct{}
	stopOnce sync.Once
}

func newLimiterStore(perMinute int) *limiterStore {
	s := &limiterStore{
		limiters: make(map[string]*ipLimiter),
		r:        rate.Limit(float64(perMinute) / 60.0),
		b:        perMinute,
		stop:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *limiterStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for ip, l := range s.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(s.limiters, ip)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

func (s *limiterStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

// Stop ends the limiter sweep goroutine. Safe to call more than once.
func (m *Middleware) Stop() {
	if m.limiter != nil {
		m.limiter.stopOnce.Do(func() { close(m.limiter.stop) })
	}
}

// RateLimit limits each client IP to perMinute requests (default 10).
// Rejected requests get 429 with Retry-After.
func (m *Middleware) RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 10
	}
	if m.limiter == nil {
		m.limiter = newLimiterStore(perMinute)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := m.limiter.get(m.clientIP(r)).Reserve()
			if d := res.Delay(); d > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(d.Seconds())))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the client address. Proxy headers are consulted only
// when TrustProxyHeaders is set.
func (m *Middleware) clientIP(r *http.Request) string {
	if m.TrustProxyHeaders {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
