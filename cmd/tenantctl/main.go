// Command tenantctl administers a running tenantd over its admin API.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

// stdout receives command output.
var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"tenant":  runTenant,
	"plan":    runPlan,
	"quota":   runQuota,
	"usage":   runUsage,
	"audit":   runAudit,
	"migrate": runMigrate,
}

func usage() {
	fmt.Fprintf(os.Stderr, `tenantctl - tenant control plane CLI (version %s)

Usage:
  tenantctl <command> [options]

Commands:
  tenant    Tenant lifecycle (create, list, show, domain, provision, suspend, activate, credentials)
  plan      Plans and entitlements (list, seed, set, entitlements, feature)
  quota     Quota checks and metering (check, enforce, increment, storage)
  usage     Show a tenant's usage counters
  audit     Audit maintenance (purge)
  migrate   Control schema migrations (status, apply)

Admin commands reach tenantd at --server (TENANCY_SERVER) with the bearer
token from --token (TENANCY_ADMIN_TOKEN).

Run 'tenantctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
