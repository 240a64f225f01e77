package identity

import (
	"sort"

	"github.com/GoCodeAlone/tenancy/migration"
)

// TenantSchema is the DDL this package needs in every tenant namespace.
// Statements are unqualified; the migration runner scopes them.
func TenantSchema() migration.SchemaProvider {
	return migration.Static{
		Name:    "identity",
		Version: 2,
		Diffs: []migration.SchemaDiff{
			{
				FromVersion: 0,
				ToVersion:   1,
				UpSQL: `CREATE TABLE IF NOT EXISTS identities (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
				DownSQL: `DROP TABLE IF EXISTS identities`,
			},
			{
				FromVersion: 1,
				ToVersion:   2,
				UpSQL:       `ALTER TABLE identities ADD COLUMN display_name TEXT NOT NULL DEFAULT ''`,
				DownSQL:     `ALTER TABLE identities DROP COLUMN display_name`,
			},
		},
	}
}

func sortByEmail(ids []*Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Email < ids[j].Email })
}
