// Package config loads tenantd and tenantctl settings from YAML with
// TENANCY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/tenancy/observability/tracing"
	"github.com/GoCodeAlone/tenancy/store"
)

// Config is the complete control-plane configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     store.PGConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Entitlements EntitlementsConfig `yaml:"entitlements"`
	Metering     MeteringConfig     `yaml:"metering"`
	Tenancy      TenancyConfig      `yaml:"tenancy"`
	Identity     IdentityConfig     `yaml:"identity"`
	Audit        AuditConfig        `yaml:"audit"`
	Log          LogConfig          `yaml:"log"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminToken guards the /admin/v1 routes. Empty rejects every admin
	// request.
	AdminToken string `yaml:"admin_token"`
	// MeterAPIRequests counts tenant /api/ requests against
	// api_requests_per_day.
	MeterAPIRequests bool `yaml:"meter_api_requests"`
	// TrustProxyHeaders takes the client address from X-Real-IP and
	// X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EntitlementsConfig struct {
	// Mode is "soft" or "hard".
	Mode                  string `yaml:"mode"`
	FailClosedWithoutPlan bool   `yaml:"fail_closed_without_plan"`
	DefaultPlan           string `yaml:"default_plan"`
	// SeedPlans installs the default plan catalog at startup.
	SeedPlans bool `yaml:"seed_plans"`
}

type MeteringConfig struct {
	// Backend is "memory", "postgres" or "redis".
	Backend     string        `yaml:"backend"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// Retention keeps closed day and month windows in Redis this long.
	Retention time.Duration `yaml:"retention"`
}

type TenancyConfig struct {
	BaseDomain       string `yaml:"base_domain"`
	ControlNamespace string `yaml:"control_namespace"`
	HeaderName       string `yaml:"header_name"`
	// NamespaceDir holds one SQLite file per tenant namespace when no
	// database is configured.
	NamespaceDir string `yaml:"namespace_dir"`
}

type IdentityConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type AuditConfig struct {
	// Sink is "jsonl", "postgres", "nats" or "none". Several may be given
	// separated by commas.
	Sink          string `yaml:"sink"`
	Path          string `yaml:"path"`
	NATSURL       string `yaml:"nats_url"`
	NATSSubject   string `yaml:"nats_subject"`
	RetentionDays int    `yaml:"retention_days"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled bool           `yaml:"enabled"`
	OTLP    tracing.Config `yaml:"otlp"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: store.PGConfig{MaxConns: 20},
		Entitlements: EntitlementsConfig{
			Mode:        "soft",
			DefaultPlan: "free",
			SeedPlans:   true,
		},
		Metering: MeteringConfig{
			Backend:     "memory",
			LockTimeout: 5 * time.Second,
			Retention:   90 * 24 * time.Hour,
		},
		Tenancy: TenancyConfig{
			ControlNamespace: store.ControlNamespace,
			HeaderName:       "X-Tenant",
			NamespaceDir:     "data/namespaces",
		},
		Identity: IdentityConfig{TokenTTL: 72 * time.Hour},
		Audit: AuditConfig{
			Sink:          "jsonl",
			NATSSubject:   "tenancy.audit",
			RetentionDays: 90,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{OTLP: tracing.DefaultConfig()},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnvPrefix starts every environment override.
const EnvPrefix = "TENANCY_"

// ApplyEnv overrides fields from environment variables looked up with
// lookup, e.g. TENANCY_DATABASE_URL or TENANCY_ENFORCEMENT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDR":      &c.Server.Addr,
		"ADMIN_TOKEN":      &c.Server.AdminToken,
		"DATABASE_URL":     &c.Database.URL,
		"REDIS_ADDR":       &c.Redis.Addr,
		"REDIS_PASSWORD":   &c.Redis.Password,
		"ENFORCEMENT":      &c.Entitlements.Mode,
		"DEFAULT_PLAN":     &c.Entitlements.DefaultPlan,
		"METERING_BACKEND": &c.Metering.Backend,
		"BASE_DOMAIN":      &c.Tenancy.BaseDomain,
		"NAMESPACE_DIR":    &c.Tenancy.NamespaceDir,
		"TOKEN_SECRET":     &c.Identity.TokenSecret,
		"AUDIT_SINK":       &c.Audit.Sink,
		"AUDIT_PATH":       &c.Audit.Path,
		"NATS_URL":         &c.Audit.NATSURL,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"OTEL_ENDPOINT":    &c.Tracing.OTLP.Endpoint,
	}
	for k, p := range strs {
		if v, ok := lookup(EnvPrefix + k); ok {
			*p = v
		}
	}

	bools := map[string]*bool{
		"FAIL_CLOSED":         &c.Entitlements.FailClosedWithoutPlan,
		"SEED_PLANS":          &c.Entitlements.SeedPlans,
		"METER_API_REQUESTS":  &c.Server.MeterAPIRequests,
		"TRUST_PROXY_HEADERS": &c.Server.TrustProxyHeaders,
		"TRACING_ENABLED":     &c.Tracing.Enabled,
	}
	for k, p := range bools {
		if v, ok := lookup(EnvPrefix + k); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
			}
			*p = b
		}
	}

	durations := map[string]*time.Duration{
		"LOCK_TIMEOUT": &c.Metering.LockTimeout,
		"TOKEN_TTL":    &c.Identity.TokenTTL,
	}
	for k, p := range durations {
		if v, ok := lookup(EnvPrefix + k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
			}
			*p = d
		}
	}

	if v, ok := lookup(EnvPrefix + "AUDIT_RETENTION_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sAUDIT_RETENTION_DAYS: %w", EnvPrefix, err)
		}
		c.Audit.RetentionDays = n
	}
	return nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch strings.ToLower(c.Entitlements.Mode) {
	case "soft", "hard":
	default:
		add("entitlements.mode must be soft or hard, got %q", c.Entitlements.Mode)
	}

	switch c.Metering.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			add("metering.backend postgres requires database.url")
		}
	case "redis":
		if c.Redis.Addr == "" {
			add("metering.backend redis requires redis.addr")
		}
	default:
		add("metering.backend must be memory, postgres or redis, got %q", c.Metering.Backend)
	}
	if c.Metering.LockTimeout <= 0 {
		add("metering.lock_timeout must be positive")
	}

	if c.Tenancy.ControlNamespace != store.ControlNamespace {
		add("tenancy.control_namespace must be %q", store.ControlNamespace)
	}

	for _, s := range c.AuditSinks() {
		switch s {
		case "none":
		case "jsonl":
		case "postgres":
			if c.Database.URL == "" {
				add("audit sink postgres requires database.url")
			}
		case "nats":
			if c.Audit.NATSURL == "" {
				add("audit sink nats requires audit.nats_url")
			}
		default:
			add("unknown audit sink %q", s)
		}
	}
	if c.Audit.RetentionDays < 0 {
		add("audit.retention_days must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AuditSinks splits Audit.Sink into its entries.
func (c *Config) AuditSinks() []string {
	var out []string
	for _, s := range strings.Split(c.Audit.Sink, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
