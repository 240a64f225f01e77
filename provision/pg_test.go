package provision

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/store/storetest"
	"github.com/GoCodeAlone/tenancy/tenant"
)

func TestProvisionPostgres_Integration(t *testing.T) {
	pool := storetest.NewPool(t)
	ctx := context.Background()

	migrator, err := store.NewMigrator(ctx, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer migrator.Close()

	ts := tenant.NewPGStore(pool)
	reg := tenant.NewRegistry(ts, nil, nil)
	ids, err := identity.NewService(identity.NewPGStore(pool), identity.TokenConfig{Secret: []byte("k")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	namespaces := NewPGNamespaces(pool)
	p := New(Config{
		Tenants:    ts,
		Namespaces: namespaces,
		Migrations: migrator.Namespaces(identity.TenantSchema()),
		Identities: ids,
	})

	slug := "pv" + uuid.NewString()[:8]
	tn, err := reg.CreateTenant(ctx, tenant.CreateTenantInput{Name: "Provision IT", Slug: slug})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{slug}.Sanitize()+" CASCADE")
		_, _ = pool.Exec(ctx, "DELETE FROM _migrations WHERE schema_name LIKE $1", slug+":%")
		_, _ = pool.Exec(ctx, "DELETE FROM tenants WHERE id = $1", tn.ID)
	})

	res, err := p.ProvisionTenant(ctx, tn, &AdminIdentity{Email: "owner@" + slug + ".test"}, audit.Actor{})
	if err != nil {
		t.Fatalf("ProvisionTenant: %v", err)
	}
	if res.Credential == nil {
		t.Fatal("expected credential token")
	}
	if ok, err := namespaces.Exists(ctx, slug); err != nil || !ok {
		t.Fatalf("schema exists = %v, %v", ok, err)
	}

	again, err := p.ProvisionTenant(ctx, tn, &AdminIdentity{Email: "owner@" + slug + ".test"}, audit.Actor{})
	if err != nil || !again.AlreadyActive {
		t.Fatalf("second run = %+v, %v", again, err)
	}
	people, err := ids.List(ctx, slug)
	if err != nil || len(people) != 1 {
		t.Fatalf("identities = %d, %v", len(people), err)
	}
}
