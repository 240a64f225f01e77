package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	content := `
server:
  addr: ":9090"
  meter_api_requests: true
  trust_proxy_headers: true
database:
  url: postgres://localhost/tenancy
  max_conns: 8
entitlements:
  mode: hard
  fail_closed_without_plan: true
metering:
  backend: postgres
  lock_timeout: 2s
audit:
  sink: postgres, jsonl
  path: /var/log/tenancy/audit.jsonl
tracing:
  enabled: true
  otlp:
    endpoint: otel:4318
    sample_rate: 0.25
`
	fp := filepath.Join(t.TempDir(), "tenancy.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" || !cfg.Server.MeterAPIRequests || !cfg.Server.TrustProxyHeaders {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.MaxConns != 8 {
		t.Errorf("max_conns = %d", cfg.Database.MaxConns)
	}
	if cfg.Entitlements.Mode != "hard" || !cfg.Entitlements.FailClosedWithoutPlan {
		t.Errorf("entitlements = %+v", cfg.Entitlements)
	}
	if cfg.Metering.LockTimeout != 2*time.Second {
		t.Errorf("lock_timeout = %v", cfg.Metering.LockTimeout)
	}
	if got := cfg.AuditSinks(); len(got) != 2 || got[0] != "postgres" || got[1] != "jsonl" {
		t.Errorf("audit sinks = %v", got)
	}
	if cfg.Tracing.OTLP.Endpoint != "otel:4318" || cfg.Tracing.OTLP.SampleRate != 0.25 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	// Unset fields keep their defaults.
	if cfg.Entitlements.DefaultPlan != "free" || cfg.Tenancy.HeaderName != "X-Tenant" {
		t.Errorf("defaults lost: %+v %+v", cfg.Entitlements, cfg.Tenancy)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(fp, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fp); err == nil {
		t.Fatal("expected parse error")
	}
}

func env(vals map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"TENANCY_DATABASE_URL":         "postgres://db/tenancy",
		"TENANCY_REDIS_ADDR":           "redis:6379",
		"TENANCY_ENFORCEMENT":          "hard",
		"TENANCY_METERING_BACKEND":     "redis",
		"TENANCY_FAIL_CLOSED":          "true",
		"TENANCY_LOCK_TIMEOUT":         "750ms",
		"TENANCY_AUDIT_RETENTION_DAYS": "30",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Database.URL != "postgres://db/tenancy" || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("connection settings not applied: %+v %+v", cfg.Database, cfg.Redis)
	}
	if cfg.Entitlements.Mode != "hard" || !cfg.Entitlements.FailClosedWithoutPlan {
		t.Errorf("entitlements = %+v", cfg.Entitlements)
	}
	if cfg.Metering.Backend != "redis" || cfg.Metering.LockTimeout != 750*time.Millisecond {
		t.Errorf("metering = %+v", cfg.Metering)
	}
	if cfg.Audit.RetentionDays != 30 {
		t.Errorf("retention = %d", cfg.Audit.RetentionDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"TENANCY_FAIL_CLOSED":          "maybe",
		"TENANCY_LOCK_TIMEOUT":         "soon",
		"TENANCY_AUDIT_RETENTION_DAYS": "ninety",
	}
	for k, v := range tests {
		t.Run(k, func(t *testing.T) {
			err := Default().ApplyEnv(env(map[string]string{k: v}))
			if err == nil || !strings.Contains(err.Error(), k) {
				t.Fatalf("err = %v, want mention of %s", err, k)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Entitlements.Mode = "strict" }, "entitlements.mode"},
		{"postgres metering without db", func(c *Config) { c.Metering.Backend = "postgres" }, "database.url"},
		{"redis metering without addr", func(c *Config) { c.Metering.Backend = "redis" }, "redis.addr"},
		{"unknown backend", func(c *Config) { c.Metering.Backend = "etcd" }, "metering.backend"},
		{"zero lock timeout", func(c *Config) { c.Metering.LockTimeout = 0 }, "lock_timeout"},
		{"nats without url", func(c *Config) { c.Audit.Sink = "nats" }, "nats_url"},
		{"unknown sink", func(c *Config) { c.Audit.Sink = "jsonl,kafka" }, "kafka"},
		{"control namespace", func(c *Config) { c.Tenancy.ControlNamespace = "shared" }, "control_namespace"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
