package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/GoCodeAlone/tenancy/config"
	"github.com/GoCodeAlone/tenancy/store"
)

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("TENANCY_CONFIG"), "Path to tenantd configuration YAML file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: tenantctl migrate <subcommand> [options]

Manage the control schema in the configured PostgreSQL database.
Tenant namespaces are migrated when they are provisioned.

Subcommands:
  status    Show pending control schema migrations
  apply     Apply pending control schema migrations

Examples:
  tenantctl migrate status --config tenantd.yaml
  TENANCY_DATABASE_URL=postgres://localhost/tenancy tenantctl migrate apply

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return errors.New("subcommand required: status or apply")
	}
	subcmd := args[0]
	if subcmd != "status" && subcmd != "apply" {
		fs.Usage()
		return fmt.Errorf("unknown subcommand: %s", subcmd)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required (set TENANCY_DATABASE_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m, err := store.NewMigrator(ctx, pool, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	pending, err := m.Pending(ctx)
	if err != nil {
		return fmt.Errorf("compute pending migrations: %w", err)
	}
	if len(pending) == 0 {
		fmt.Fprintln(stdout, "Control schema is up to date.")
		return nil
	}
	for _, p := range pending {
		fmt.Fprintf(stdout, "  %-20s v%d -> v%d\n", p.SchemaName, p.FromVersion, p.ToVersion)
	}
	if subcmd == "status" {
		fmt.Fprintf(stdout, "%d pending migration(s).\n", len(pending))
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Applied %d migration(s).\n", len(pending))
	return nil
}
