// Package setup assembles the control plane from a config.Config. Both
// tenantd and tenantctl build their services through Build so the two
// binaries always agree on storage, audit and enforcement wiring.
//
// Without database.url everything except tenant namespaces lives in
// memory, and namespaces are SQLite files under tenancy.namespace_dir.
package setup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/config"
	"github.com/GoCodeAlone/tenancy/entitlement"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/metering"
	"github.com/GoCodeAlone/tenancy/migration"
	"github.com/GoCodeAlone/tenancy/observability/tracing"
	"github.com/GoCodeAlone/tenancy/provision"
	"github.com/GoCodeAlone/tenancy/quota"
	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Stack is a fully wired control plane.
type Stack struct {
	Config *config.Config
	Logger *slog.Logger

	Pool     *pgxpool.Pool
	Redis    redis.UniversalClient
	Migrator *store.Migrator
	Metrics  *prometheus.Registry
	Tracing  *tracing.Provider

	Recorder    *audit.Recorder
	Registry    *tenant.Registry
	Plans       entitlement.Store
	Resolver    *entitlement.Resolver
	Usage       metering.Store
	Gate        *quota.Gate
	Identities  *identity.Service
	Provisioner *provision.Provisioner
	Admin       *admin.Service

	closers []func(context.Context) error
}

func (s *Stack) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close releases connections in reverse order of creation.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Build connects every backend named in cfg and wires the services. On
// error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{Config: cfg, Logger: logger, Metrics: prometheus.NewRegistry()}
	if err := s.build(ctx); err != nil {
		_ = s.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return s, nil
}

func (s *Stack) build(ctx context.Context) error {
	cfg := s.Config
	s.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Database.URL != "" {
		pool, err := store.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		s.Pool = pool
		s.onClose(func(context.Context) error { pool.Close(); return nil })

		m, err := store.NewMigrator(ctx, pool, s.Logger)
		if err != nil {
			return err
		}
		s.Migrator = m
		s.onClose(func(context.Context) error { return m.Close() })
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate control schema: %w", err)
		}
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		s.Redis = client
	}

	sink, purger, err := s.auditSink()
	if err != nil {
		return err
	}
	s.Recorder = audit.NewRecorder(sink, s.Logger)

	var tracer *tracing.Tracer
	if cfg.Tracing.Enabled {
		p, err := tracing.NewProvider(ctx, cfg.Tracing.OTLP)
		if err != nil {
			return err
		}
		s.Tracing = p
		s.onClose(p.Shutdown)
		tracer = tracing.New(p.Tracer())
	}

	var (
		tenants tenant.Store
		people  identity.Store
	)
	if s.Pool != nil {
		tenants = tenant.NewPGStore(s.Pool)
		s.Plans = entitlement.NewPGStore(s.Pool)
		people = identity.NewPGStore(s.Pool)
	} else {
		tenants = tenant.NewMemoryStore()
		s.Plans = entitlement.NewMemoryStore()
		people = identity.NewMemoryStore()
		s.Logger.Warn("no database configured, control data is kept in memory")
	}

	if s.Usage, err = s.usageStore(); err != nil {
		return err
	}

	s.Registry = tenant.NewRegistry(tenants, s.Recorder, s.Logger)
	s.Resolver = entitlement.NewResolver(s.Plans, s.Logger,
		entitlement.WithFailClosed(cfg.Entitlements.FailClosedWithoutPlan),
		entitlement.WithRecorder(s.Recorder),
	)

	mode, err := quota.ParseMode(cfg.Entitlements.Mode)
	if err != nil {
		return err
	}
	s.Gate = quota.New(s.Resolver, s.Usage, mode,
		quota.WithRecorder(s.Recorder),
		quota.WithLogger(s.Logger),
		quota.WithMetrics(quota.NewMetrics(s.Metrics)),
		quota.WithTracer(tracer),
	)

	secret := []byte(cfg.Identity.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		s.Logger.Warn("identity.token_secret not set, credential tokens will not survive a restart")
	}
	if s.Identities, err = identity.NewService(people, identity.TokenConfig{Secret: secret, TTL: cfg.Identity.TokenTTL}, s.Logger); err != nil {
		return err
	}

	var (
		namespaces provision.NamespaceManager
		migrations provision.MigrationRunner
	)
	if s.Pool != nil {
		namespaces = provision.NewPGNamespaces(s.Pool)
		migrations = s.Migrator.Namespaces(identity.TenantSchema())
	} else {
		local := migration.NewSQLiteNamespaces(cfg.Tenancy.NamespaceDir, s.Logger, identity.TenantSchema())
		namespaces, migrations = local, local
	}
	s.Provisioner = provision.New(provision.Config{
		Tenants:    tenants,
		Namespaces: namespaces,
		Migrations: migrations,
		Identities: s.Identities,
		Recorder:   s.Recorder,
		Tracer:     tracer,
		Logger:     s.Logger,
	})

	acfg := admin.Config{
		Registry:    s.Registry,
		Provisioner: s.Provisioner,
		Resolver:    s.Resolver,
		Plans:       s.Plans,
		Gate:        s.Gate,
		Identities:  s.Identities,
		DefaultPlan: cfg.Entitlements.DefaultPlan,
		Logger:      s.Logger,
	}
	if purger != nil {
		acfg.Purger = purger
	}
	if s.Admin, err = admin.New(acfg); err != nil {
		return err
	}

	if cfg.Entitlements.SeedPlans {
		if _, err := s.Admin.SeedPlans(ctx); err != nil {
			return fmt.Errorf("seed plans: %w", err)
		}
	}
	return nil
}

func (s *Stack) usageStore() (metering.Store, error) {
	m := s.Config.Metering
	switch m.Backend {
	case "postgres":
		if s.Pool == nil {
			return nil, errors.New("metering backend postgres requires database.url")
		}
		return metering.NewPGStore(s.Pool, m.LockTimeout), nil
	case "redis":
		if s.Redis == nil {
			return nil, errors.New("metering backend redis requires redis.addr")
		}
		return metering.NewRedisStore(s.Redis, m.LockTimeout, metering.WithRetention(m.Retention)), nil
	default:
		return metering.NewMemoryStore(m.LockTimeout), nil
	}
}

// auditSink opens the configured audit sinks. The PostgreSQL sink doubles
// as the purger for retention.
func (s *Stack) auditSink() (audit.Sink, *audit.PGSink, error) {
	cfg := s.Config.Audit
	var (
		sinks  audit.MultiSink
		purger *audit.PGSink
	)
	for _, name := range s.Config.AuditSinks() {
		switch name {
		case "none":
		case "jsonl":
			if cfg.Path == "" {
				sinks = append(sinks, audit.NewJSONLSink(os.Stdout))
				continue
			}
			sink, closer, err := audit.OpenJSONLFile(cfg.Path)
			if err != nil {
				return nil, nil, err
			}
			s.onClose(func(context.Context) error { return closer.Close() })
			sinks = append(sinks, sink)
		case "postgres":
			if s.Pool == nil {
				return nil, nil, errors.New("audit sink postgres requires database.url")
			}
			purger = audit.NewPGSink(s.Pool)
			sinks = append(sinks, purger)
		case "nats":
			nc, err := audit.ConnectNATS(cfg.NATSURL, "tenantd")
			if err != nil {
				return nil, nil, err
			}
			s.onClose(func(context.Context) error { return nc.Drain() })
			sinks = append(sinks, audit.NewNATSSink(nc, cfg.NATSSubject))
		default:
			return nil, nil, fmt.Errorf("unknown audit sink %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return nil, purger, nil
	case 1:
		return sinks[0], purger, nil
	default:
		return sinks, purger, nil
	}
}
