package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/entitlement"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/metering"
	"github.com/GoCodeAlone/tenancy/provision"
	"github.com/GoCodeAlone/tenancy/quota"
	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/tenant"
)

const testToken = "admin-token"

type noMigrations struct{}

func (noMigrations) Apply(context.Context, string) error { return nil }

type testServer struct {
	router *Router
	sink   *audit.MemorySink
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	sink := audit.NewMemorySink()
	rec := audit.NewRecorder(sink, nil)
	tenants := tenant.NewMemoryStore()
	registry := tenant.NewRegistry(tenants, rec, nil)
	plans := entitlement.NewMemoryStore()
	resolver := entitlement.NewResolver(plans, nil, entitlement.WithRecorder(rec))
	ids, err := identity.NewService(identity.NewMemoryStore(), identity.TokenConfig{Secret: []byte("secret")}, nil)
	require.NoError(t, err)
	gate := quota.New(resolver, metering.NewMemoryStore(time.Second), quota.ModeHard, quota.WithRecorder(rec))

	svc, err := admin.New(admin.Config{
		Registry: registry,
		Provisioner: provision.New(provision.Config{
			Tenants:    tenants,
			Namespaces: provision.NewMemoryNamespaces(),
			Migrations: noMigrations{},
			Identities: ids,
			Recorder:   rec,
		}),
		Resolver:   resolver,
		Plans:      plans,
		Gate:       gate,
		Identities: ids,
		Catalog: []entitlement.Plan{{
			Code:     "free",
			Name:     "Free",
			Quotas:   entitlement.Quotas{entitlement.KeyMaxUnits: entitlement.LimitOf(2), entitlement.KeyAPIRequestsPerDay: entitlement.LimitOf(3)},
			IsActive: true,
		}},
	})
	require.NoError(t, err)
	_, err = svc.SeedPlans(context.Background())
	require.NoError(t, err)

	if cfg.AdminToken == "" {
		cfg.AdminToken = testToken
	}
	r := NewRouter(Services{Admin: svc, Registry: registry, Identities: ids, Gate: gate}, cfg, nil)
	t.Cleanup(r.Close)
	return &testServer{router: r, sink: sink}
}

type response struct {
	Code   int
	Header http.Header
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	out := response{Code: rec.Code, Header: rec.Header()}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return out
}

func (s *testServer) admin(t *testing.T, method, path string, body any) response {
	t.Helper()
	return s.do(t, method, path, body, "Authorization", "Bearer "+testToken, "X-Actor-Email", "ops@example.test")
}

func (s *testServer) onboard(t *testing.T, slug string) *provision.Result {
	t.Helper()
	resp := s.admin(t, http.MethodPost, "/admin/v1/tenants", map[string]any{
		"name":      "Acme",
		"slug":      slug,
		"domain":    slug + ".example.test",
		"provision": true,
		"admin":     map[string]string{"email": "owner@" + slug + ".test"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Error)
	var res provision.Result
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	return &res
}

func TestHealthzAndRequestID(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	resp = s.do(t, http.MethodGet, "/healthz", nil, HeaderRequestID, "req-42")
	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := s.do(t, http.MethodGet, "/admin/v1/tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = s.do(t, http.MethodGet, "/admin/v1/tenants", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = s.admin(t, http.MethodGet, "/admin/v1/tenants", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestOnboardAndDescribe(t *testing.T) {
	s := newTestServer(t, Config{})
	res := s.onboard(t, "acme")

	assert.Equal(t, tenant.StatusActive, res.Tenant.Status)
	require.NotNil(t, res.Credential)
	assert.NotEmpty(t, res.Credential.Token)

	resp := s.admin(t, http.MethodGet, "/admin/v1/tenants/acme", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var detail admin.TenantDetail
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, "free", detail.Entitlements.PlanCode)
	require.Len(t, detail.Domains, 1)
	assert.Equal(t, "acme.example.test", detail.Domains[0].Hostname)

	started := s.sink.ByAction("tenant.provision.started")
	require.Len(t, started, 1)
	assert.Equal(t, "ops@example.test", started[0].ActorEmail)
}

func TestCreateTenantErrors(t *testing.T) {
	s := newTestServer(t, Config{})

	resp := s.admin(t, http.MethodPost, "/admin/v1/tenants", map[string]any{"slug": "Not A Slug!"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants", map[string]any{"slug": "acme"})
	require.Equal(t, http.StatusCreated, resp.Code)
	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants", map[string]any{"slug": "acme"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = s.admin(t, http.MethodGet, "/admin/v1/tenants/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = s.admin(t, http.MethodGet, "/admin/v1/tenants?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListTenants(t *testing.T) {
	s := newTestServer(t, Config{})
	s.onboard(t, "acme")
	resp := s.admin(t, http.MethodPost, "/admin/v1/tenants", map[string]any{"slug": "globex"})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = s.admin(t, http.MethodGet, "/admin/v1/tenants?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var ts []tenant.Tenant
	require.NoError(t, json.Unmarshal(resp.Data, &ts))
	require.Len(t, ts, 1)
	assert.Equal(t, "globex", ts[0].Slug)
}

func TestQuotaEndpoints(t *testing.T) {
	s := newTestServer(t, Config{})
	s.onboard(t, "acme")

	resp := s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/quota/check", map[string]any{"key": "max_units", "used": 1, "needed": 1})
	require.Equal(t, http.StatusOK, resp.Code)
	var c struct {
		Allowed   bool   `json:"allowed"`
		Remaining *int64 `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &c))
	assert.True(t, c.Allowed)
	require.NotNil(t, c.Remaining)
	assert.EqualValues(t, 1, *c.Remaining)

	for i := 1; i <= 2; i++ {
		resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/quota/increment", map[string]any{"key": "max_units", "needed": 1})
		require.Equal(t, http.StatusOK, resp.Code, resp.Error)
	}
	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/quota/increment", map[string]any{"key": "max_units", "needed": 1})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Contains(t, resp.Error, "quota exceeded")
	require.NoError(t, json.Unmarshal(resp.Data, &c))
	assert.False(t, c.Allowed)

	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/quota/increment", map[string]any{"key": "max_units", "needed": 1, "granularity": "weekly"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/storage", map[string]any{"delta_bytes": 2048})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.admin(t, http.MethodGet, "/admin/v1/tenants/acme/usage", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var counters []metering.Counter
	require.NoError(t, json.Unmarshal(resp.Data, &counters))
	assert.Len(t, counters, 2)
}

func TestSetPlanAndFeatures(t *testing.T) {
	s := newTestServer(t, Config{})
	s.onboard(t, "acme")

	resp := s.admin(t, http.MethodPut, "/admin/v1/tenants/acme/plan", map[string]any{
		"plan_code":         "free",
		"quota_overrides":   map[string]any{"max_units": nil},
		"feature_overrides": map[string]bool{"reports": true},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Error)

	resp = s.admin(t, http.MethodGet, "/admin/v1/tenants/acme/features/reports", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"key":"reports","enabled":true}`, string(resp.Data))

	resp = s.admin(t, http.MethodPut, "/admin/v1/tenants/acme/plan", map[string]any{"plan_code": "gold"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestLifecycleAndTenantResolution(t *testing.T) {
	s := newTestServer(t, Config{})
	s.onboard(t, "acme")

	resp := s.do(t, http.MethodGet, "/api/v1/tenant", nil, "X-Tenant", "acme")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/suspend", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/suspend", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/tenant", nil, "X-Tenant", "acme")
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/activate", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	resp = s.do(t, http.MethodGet, "/api/v1/tenant", nil, "X-Tenant", "acme")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/tenant", nil, "X-Tenant", "ghost")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCredentialFlow(t *testing.T) {
	s := newTestServer(t, Config{})
	res := s.onboard(t, "acme")
	token := res.Credential.Token

	resp := s.do(t, http.MethodPost, "/api/v1/auth/password", map[string]string{"token": token, "password": "correct horse"}, "X-Tenant", "acme")
	require.Equal(t, http.StatusOK, resp.Code, resp.Error)

	resp = s.do(t, http.MethodPost, "/api/v1/auth/password", map[string]string{"token": token, "password": "another pass"}, "X-Tenant", "acme")
	assert.Equal(t, http.StatusUnauthorized, resp.Code, "token is single use")

	resp = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "owner@acme.test", "password": "correct horse"}, "X-Tenant", "acme")
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "owner@acme.test", "password": "wrong"}, "X-Tenant", "acme")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = s.admin(t, http.MethodPost, "/admin/v1/tenants/acme/credentials", map[string]string{"email": "owner@acme.test"})
	require.Equal(t, http.StatusCreated, resp.Code)
}

func TestAPIRequestMetering(t *testing.T) {
	s := newTestServer(t, Config{MeterAPIRequests: true})
	s.onboard(t, "acme")

	for i := range 3 {
		resp := s.do(t, http.MethodGet, "/api/v1/tenant", nil, "X-Tenant", "acme")
		require.Equal(t, http.StatusOK, resp.Code, "request %d", i+1)
	}
	resp := s.do(t, http.MethodGet, "/api/v1/tenant", nil, "X-Tenant", "acme")
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Len(t, s.sink.ByAction("quota.api_requests_per_day.exceeded"), 1)
}

func TestPurgeAuditUnsupported(t *testing.T) {
	s := newTestServer(t, Config{})
	resp := s.admin(t, http.MethodPost, "/admin/v1/audit/purge?days=30", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.Code)
	resp = s.admin(t, http.MethodPost, "/admin/v1/audit/purge?days=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.Invalid("slug", "bad"), http.StatusBadRequest},
		{fmt.Errorf("tenant x: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{provision.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("lock: %w", store.ErrContended), http.StatusServiceUnavailable},
		{&quota.ExceededError{}, http.StatusForbidden},
		{identity.ErrInvalidToken, http.StatusUnauthorized},
		{&provision.Error{Step: provision.StepMigrate, Err: errors.New("boom")}, http.StatusBadGateway},
		{admin.ErrPurgeUnsupported, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
