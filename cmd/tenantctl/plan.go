package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

func runPlan(args []string) error {
	if len(args) == 0 {
		planUsage()
		return errors.New("subcommand required")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return planList(rest)
	case "seed":
		fs := flag.NewFlagSet("plan seed", flag.ContinueOnError)
		connect := addClientFlags(fs)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return connect().call(http.MethodPost, "/admin/v1/plans/seed", nil)
	case "set":
		return planSet(rest)
	case "entitlements":
		return tenantRef("plan entitlements", rest, http.MethodGet, "entitlements")
	case "feature":
		return planFeature(rest)
	case "-h", "--help", "help":
		planUsage()
		return nil
	default:
		planUsage()
		return fmt.Errorf("unknown plan subcommand: %s", sub)
	}
}

func planUsage() {
	fmt.Fprint(flag.CommandLine.Output(), `Usage: tenantctl plan <subcommand> [options]

Subcommands:
  list           List plans (--all includes inactive plans)
  seed           Install the default plan catalog
  set            Assign a plan to a tenant with optional overrides
  entitlements   Show a tenant's effective quotas and features
  feature        Report whether a feature is enabled for a tenant

Examples:
  tenantctl plan set acme --plan unlimited
  tenantctl plan set acme --plan free --quota max_units=100 --feature reports=true
  tenantctl plan feature acme --key reports
`)
}

func planList(args []string) error {
	fs := flag.NewFlagSet("plan list", flag.ContinueOnError)
	connect := addClientFlags(fs)
	all := fs.Bool("all", false, "Include inactive plans")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/admin/v1/plans"
	if *all {
		path += "?all=true"
	}
	return connect().call(http.MethodGet, path, nil)
}

func planSet(args []string) error {
	fs := flag.NewFlagSet("plan set", flag.ContinueOnError)
	connect := addClientFlags(fs)
	code := fs.String("plan", "", "Plan code (required)")
	status := fs.String("status", "", "Assignment status (active, trial, past_due, canceled)")
	endsAt := fs.String("ends-at", "", "End of the assignment (RFC 3339)")
	quotas := kvFlag{}
	features := kvFlag{}
	fs.Var(quotas, "quota", "Quota override key=value, value may be \"unlimited\" (repeatable)")
	fs.Var(features, "feature", "Feature override key=true|false (repeatable)")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *code == "" {
		return errors.New("--plan is required")
	}

	body := map[string]any{"plan_code": *code}
	if *status != "" {
		body["status"] = *status
	}
	if *endsAt != "" {
		t, err := time.Parse(time.RFC3339, *endsAt)
		if err != nil {
			return fmt.Errorf("--ends-at: %w", err)
		}
		body["ends_at"] = t
	}
	q, err := quotas.limits()
	if err != nil {
		return err
	}
	if q != nil {
		body["quota_overrides"] = q
	}
	f, err := features.bools()
	if err != nil {
		return err
	}
	if f != nil {
		body["feature_overrides"] = f
	}
	return connect().call(http.MethodPut, tenantPath(ref, "plan"), body)
}

func planFeature(args []string) error {
	fs := flag.NewFlagSet("plan feature", flag.ContinueOnError)
	connect := addClientFlags(fs)
	key := fs.String("key", "", "Feature key (required)")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *key == "" {
		return errors.New("--key is required")
	}
	return connect().call(http.MethodGet, tenantPath(ref, "features", url.PathEscape(*key)), nil)
}
