// Command tenantd serves the tenant control plane over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tenancy/admin"
	"github.com/GoCodeAlone/tenancy/api"
	"github.com/GoCodeAlone/tenancy/config"
	"github.com/GoCodeAlone/tenancy/observability/tracing"
	"github.com/GoCodeAlone/tenancy/setup"
)

var (
	configFile = flag.String("config", "", "Path to tenantd configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(envOrFlag("TENANCY_CONFIG", configFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantd: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := setup.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tenantd stopped", "error", err)
		os.Exit(1)
	}
}

// envOrFlag returns the environment value for key when set, else the flag.
func envOrFlag(key string, flagVal *string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// newHandler mounts the API and /metrics and wraps them with tracing when
// enabled.
func newHandler(s *setup.Stack) (http.Handler, func()) {
	cfg := s.Config
	router := api.NewRouter(api.Services{
		Admin:      s.Admin,
		Registry:   s.Registry,
		Identities: s.Identities,
		Gate:       s.Gate,
	}, api.Config{
		AdminToken:        cfg.Server.AdminToken,
		TenantHeader:      cfg.Tenancy.HeaderName,
		MeterAPIRequests:  cfg.Server.MeterAPIRequests,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	}, s.Logger)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{}))
	mux.Handle("/", router)

	var h http.Handler = mux
	if cfg.Tracing.Enabled {
		h = tracing.SpanMiddleware(cfg.Tenancy.HeaderName)(h)
	}
	return h, router.Close
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	stack, err := setup.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := stack.Close(closeCtx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	handler, closeRouter := newHandler(stack)
	defer closeRouter()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tenantd listening", "addr", cfg.Server.Addr, "metering", cfg.Metering.Backend, "enforcement", cfg.Entitlements.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Audit.RetentionDays > 0 {
		g.Go(func() error {
			purgeLoop(gctx, stack.Admin, cfg.Audit.RetentionDays, 24*time.Hour, logger)
			return nil
		})
	}
	return g.Wait()
}

// purgeLoop applies audit retention every interval until ctx ends.
func purgeLoop(ctx context.Context, svc *admin.Service, days int, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := svc.PurgeAudit(ctx, days)
		switch {
		case errors.Is(err, admin.ErrPurgeUnsupported):
			logger.Debug("audit retention disabled, sink keeps no history")
			return
		case err != nil && ctx.Err() == nil:
			logger.Warn("audit retention purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
