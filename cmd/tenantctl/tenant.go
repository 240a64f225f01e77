package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

func runTenant(args []string) error {
	if len(args) == 0 {
		tenantUsage()
		return errors.New("subcommand required")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return tenantCreate(rest)
	case "list":
		return tenantList(rest)
	case "show":
		return tenantRef("tenant "+sub, rest, http.MethodGet, "")
	case "provision":
		return tenantProvision(rest)
	case "suspend", "activate":
		return tenantRef("tenant "+sub, rest, http.MethodPost, sub)
	case "domain":
		return tenantDomain(rest)
	case "credentials":
		return tenantCredentials(rest)
	case "-h", "--help", "help":
		tenantUsage()
		return nil
	default:
		tenantUsage()
		return fmt.Errorf("unknown tenant subcommand: %s", sub)
	}
}

func tenantUsage() {
	fmt.Fprint(flag.CommandLine.Output(), `Usage: tenantctl tenant <subcommand> [options]

Subcommands:
  create        Register a tenant, optionally assigning a plan and provisioning it
  list          List tenants (--status, --source, --limit, --offset)
  show          Show a tenant with its domains and entitlements
  domain        Attach a hostname to a tenant
  provision     Create the tenant namespace and apply its migrations
  suspend       Suspend an active tenant
  activate      Re-activate a suspended tenant
  credentials   Issue a one-time credential token for a tenant identity

Examples:
  tenantctl tenant create --name "Acme Inc" --slug acme --domain acme.example.com --provision --admin-email ops@acme.test
  tenantctl tenant show acme
  tenantctl tenant suspend acme
`)
}

func tenantCreate(args []string) error {
	fs := flag.NewFlagSet("tenant create", flag.ContinueOnError)
	connect := addClientFlags(fs)
	name := fs.String("name", "", "Display name (required)")
	slug := fs.String("slug", "", "URL-safe identifier (required)")
	domain := fs.String("domain", "", "Primary hostname (required)")
	secondary := fs.Bool("secondary", false, "Register the domain as non-primary")
	namespace := fs.String("namespace", "", "Namespace name (default tenant_<slug>)")
	externalID := fs.String("external-id", "", "Identifier in the originating system")
	source := fs.String("source", "", "Originating system")
	plan := fs.String("plan", "", "Plan code to assign")
	doProvision := fs.Bool("provision", false, "Provision the namespace after creation")
	adminEmail := fs.String("admin-email", "", "Bootstrap administrator email (with --provision)")
	adminPassword := fs.String("admin-password", "", "Bootstrap administrator password")
	adminName := fs.String("admin-name", "", "Bootstrap administrator display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *slug == "" || *domain == "" {
		fs.Usage()
		return errors.New("--name, --slug and --domain are required")
	}

	primary := !*secondary
	body := map[string]any{
		"name":       *name,
		"slug":       *slug,
		"domain":     *domain,
		"is_primary": primary,
		"provision":  *doProvision,
	}
	for k, v := range map[string]string{
		"namespace":   *namespace,
		"external_id": *externalID,
		"source":      *source,
		"plan":        *plan,
	} {
		if v != "" {
			body[k] = v
		}
	}
	if *adminEmail != "" {
		body["admin"] = map[string]string{
			"email":        *adminEmail,
			"password":     *adminPassword,
			"display_name": *adminName,
		}
	}
	return connect().call(http.MethodPost, "/admin/v1/tenants", body)
}

func tenantList(args []string) error {
	fs := flag.NewFlagSet("tenant list", flag.ContinueOnError)
	connect := addClientFlags(fs)
	status := fs.String("status", "", "Only tenants with this status")
	source := fs.String("source", "", "Only tenants from this source")
	limit := fs.Int("limit", 0, "Page size (server default 50)")
	offset := fs.Int("offset", 0, "Rows to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *source != "" {
		q.Set("source", *source)
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	if *offset > 0 {
		q.Set("offset", strconv.Itoa(*offset))
	}
	path := "/admin/v1/tenants"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return connect().call(http.MethodGet, path, nil)
}

// tenantRef runs a body-less request against a single tenant.
func tenantRef(name string, args []string, method, action string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	connect := addClientFlags(fs)
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	path := tenantPath(ref)
	if action != "" {
		path = tenantPath(ref, action)
	}
	return connect().call(method, path, nil)
}

func tenantProvision(args []string) error {
	fs := flag.NewFlagSet("tenant provision", flag.ContinueOnError)
	connect := addClientFlags(fs)
	adminEmail := fs.String("admin-email", "", "Bootstrap administrator email")
	adminPassword := fs.String("admin-password", "", "Bootstrap administrator password")
	adminName := fs.String("admin-name", "", "Bootstrap administrator display name")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	var body any
	if *adminEmail != "" {
		body = map[string]any{"admin": map[string]string{
			"email":        *adminEmail,
			"password":     *adminPassword,
			"display_name": *adminName,
		}}
	}
	return connect().call(http.MethodPost, tenantPath(ref, "provision"), body)
}

func tenantDomain(args []string) error {
	fs := flag.NewFlagSet("tenant domain", flag.ContinueOnError)
	connect := addClientFlags(fs)
	hostname := fs.String("hostname", "", "Hostname to attach (required)")
	primary := fs.Bool("primary", false, "Make this the tenant's primary domain")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *hostname == "" {
		return errors.New("--hostname is required")
	}
	return connect().call(http.MethodPost, tenantPath(ref, "domains"), map[string]any{
		"hostname":   *hostname,
		"is_primary": *primary,
	})
}

func tenantCredentials(args []string) error {
	fs := flag.NewFlagSet("tenant credentials", flag.ContinueOnError)
	connect := addClientFlags(fs)
	email := fs.String("email", "", "Identity email (required)")
	ref, err := splitRef(fs, args)
	if err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}
	return connect().call(http.MethodPost, tenantPath(ref, "credentials"), map[string]string{"email": *email})
}
