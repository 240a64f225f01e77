package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
)

func runAudit(args []string) error {
	if len(args) == 0 || args[0] != "purge" {
		fmt.Fprint(flag.CommandLine.Output(), `Usage: tenantctl audit purge [--days N]

Deletes audit events older than the retention window. Only the postgres
audit sink keeps purgeable history.
`)
		return errors.New("subcommand required: purge")
	}
	fs := flag.NewFlagSet("audit purge", flag.ContinueOnError)
	connect := addClientFlags(fs)
	days := fs.Int("days", 90, "Retention window in days")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *days < 1 {
		return errors.New("--days must be at least 1")
	}
	return connect().call(http.MethodPost, fmt.Sprintf("/admin/v1/audit/purge?days=%d", *days), nil)
}
