package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
)

func runQuota(args []string) error {
	if len(args) == 0 {
		quotaUsage()
		return errors.New("subcommand required")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "check", "enforce":
		return quotaCheck(sub, rest)
	case "increment":
		return quotaIncrement(rest)
	case "storage":
		return quotaStorage(rest)
	case "-h", "--help", "help":
		quotaUsage()
		return nil
	default:
		quotaUsage()
		return fmt.Errorf("unknown quota subcommand: %s", sub)
	}
}

func quotaUsage() {
	fmt.Fprint(flag.CommandLine.Output(), `Usage: tenantctl quota <subcommand> [options]

Subcommands:
  check       Evaluate a quota without side effects
  enforce     Evaluate a quota under the configured mode and audit denials
  increment   Atomically add to a usage counter when the quota allows it
  storage     Add a signed byte delta to the tenant's storage counter

Examples:
  tenantctl quota check acme --key max_units --used 24 --needed 1
  tenantctl quota increment acme --key api_requests_per_day --granularity day
  tenantctl quota storage acme --delta 1048576
`)
}

func quotaCheck(sub string, args []string) error {
	fs := flag.NewFlagSet("quota "+sub, flag.ContinueOnError)
	connect := addClientFlags(fs)
	key := fs.String("key", "", "Quota key (required)")
	used := fs.Int64("used", 0, "Current usage")
	needed := fs.Int64("needed", 1, "Amount requested")
	action := fs.String("action", "", "Action recorded on denial (enforce only)")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *key == "" {
		return errors.New("--key is required")
	}
	body := map[string]any{"key": *key, "used": *used, "needed": *needed}
	if sub == "enforce" && *action != "" {
		body["action"] = *action
	}
	return connect().call(http.MethodPost, tenantPath(ref, "quota", sub), body)
}

func quotaIncrement(args []string) error {
	fs := flag.NewFlagSet("quota increment", flag.ContinueOnError)
	connect := addClientFlags(fs)
	key := fs.String("key", "", "Quota key (required)")
	metric := fs.String("metric", "", "Counter name (default: the quota key)")
	granularity := fs.String("granularity", "", "Counter window: day, month or lifetime")
	needed := fs.Int64("needed", 1, "Amount to add")
	action := fs.String("action", "", "Action recorded on denial")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *key == "" {
		return errors.New("--key is required")
	}
	body := map[string]any{"key": *key, "needed": *needed}
	for k, v := range map[string]string{"metric": *metric, "granularity": *granularity, "action": *action} {
		if v != "" {
			body[k] = v
		}
	}
	return connect().call(http.MethodPost, tenantPath(ref, "quota", "increment"), body)
}

func quotaStorage(args []string) error {
	fs := flag.NewFlagSet("quota storage", flag.ContinueOnError)
	connect := addClientFlags(fs)
	delta := fs.Int64("delta", 0, "Signed byte delta (required)")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *delta == 0 {
		return errors.New("--delta must be non-zero")
	}
	return connect().call(http.MethodPost, tenantPath(ref, "storage"), map[string]any{"delta_bytes": *delta})
}

func runUsage(args []string) error {
	return tenantRef("usage", args, http.MethodGet, "usage")
}
