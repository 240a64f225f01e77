package store

import "github.com/GoCodeAlone/tenancy/migration"

// ControlNamespace is the shared schema holding registry, entitlement, usage
// and audit tables. It is never a tenant.
const ControlNamespace = "public"

const controlSchemaV1 = `
CREATE TABLE IF NOT EXISTS tenants (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	slug        TEXT NOT NULL UNIQUE,
	namespace   TEXT NOT NULL UNIQUE,
	status      TEXT NOT NULL CHECK (status IN ('pending','provisioning','active','suspended','failed')),
	version     BIGINT NOT NULL DEFAULT 1,
	external_id TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS domains (
	id         UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	hostname   TEXT NOT NULL UNIQUE,
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_domains_tenant ON domains(tenant_id);

CREATE TABLE IF NOT EXISTS plans (
	code             TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	quotas           JSONB NOT NULL DEFAULT '{}',
	feature_flags    JSONB NOT NULL DEFAULT '{}',
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	currency         TEXT NOT NULL DEFAULT 'usd',
	unit_price_cents BIGINT NOT NULL DEFAULT 0,
	included_units   BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tenant_plans (
	tenant_id         UUID PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
	plan_code         TEXT NOT NULL REFERENCES plans(code),
	status            TEXT NOT NULL CHECK (status IN ('active','trial','canceled','past_due')),
	quota_overrides   JSONB NOT NULL DEFAULT '{}',
	feature_overrides JSONB NOT NULL DEFAULT '{}',
	starts_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	ends_at           TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_counters (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL,
	metric       TEXT NOT NULL,
	granularity  TEXT NOT NULL CHECK (granularity IN ('day','month','lifetime')),
	period_start TIMESTAMPTZ NOT NULL,
	period_end   TIMESTAMPTZ,
	value        BIGINT NOT NULL DEFAULT 0 CHECK (value >= 0),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, metric, granularity, period_start)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id               UUID PRIMARY KEY,
	occurred_at      TIMESTAMPTZ NOT NULL,
	action           TEXT NOT NULL,
	status           TEXT NOT NULL,
	message          TEXT NOT NULL DEFAULT '',
	tenant_namespace TEXT NOT NULL DEFAULT '',
	request_id       TEXT NOT NULL DEFAULT '',
	actor_id         TEXT NOT NULL DEFAULT '',
	actor_email      TEXT NOT NULL DEFAULT '',
	ip_address       TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT '',
	object_type      TEXT NOT NULL DEFAULT '',
	object_id        TEXT NOT NULL DEFAULT '',
	object_repr      TEXT NOT NULL DEFAULT '',
	changes          JSONB,
	metadata         JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_namespace, occurred_at);
`

// ControlSchema returns the migration provider for the control namespace.
func ControlSchema() migration.SchemaProvider {
	return migration.Static{
		Name:    "control",
		Version: 1,
		Diffs: []migration.SchemaDiff{
			{FromVersion: 0, ToVersion: 1, UpSQL: controlSchemaV1},
		},
	}
}
