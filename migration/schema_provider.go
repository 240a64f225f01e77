// Package migration applies versioned DDL to the control schema and to each
// tenant namespace, recording what has been applied so reruns are no-ops.
package migration

import "sort"

// SchemaProvider is implemented by components that own database tables.
type SchemaProvider interface {
	// SchemaName identifies the provider in the migration ledger.
	SchemaName() string
	// SchemaVersion is the version SchemaSQL produces.
	SchemaVersion() int
	// SchemaSQL is the full DDL for SchemaVersion, used on empty targets
	// when the provider declares no diffs.
	SchemaSQL() string
	// SchemaDiffs are the ordered steps between versions.
	SchemaDiffs() []SchemaDiff
}

// SchemaDiff is a single step between two schema versions.
type SchemaDiff struct {
	FromVersion int
	ToVersion   int
	UpSQL       string
	DownSQL     string
}

// Static is a SchemaProvider declared as data.
type Static struct {
	Name    string
	Version int
	SQL     string
	Diffs   []SchemaDiff
}

func (s Static) SchemaName() string { return s.Name }
func (s Static) SchemaVersion() int { return s.Version }
func (s Static) SchemaSQL() string  { return s.SQL }

func (s Static) SchemaDiffs() []SchemaDiff {
	out := make([]SchemaDiff, len(s.Diffs))
	copy(out, s.Diffs)
	return out
}

func sortedDiffs(p SchemaProvider) []SchemaDiff {
	diffs := p.SchemaDiffs()
	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].ToVersion < diffs[j].ToVersion
	})
	return diffs
}
