// Package schema derives table schemas and DDL for the SQL-capable storage
// backend.
//
// Resolution is three-tiered: a hardcoded fallback schema registered for the
// store wins, then derivation from the remote type catalog, then a generic
// two-column (primary key + JSON blob) schema. Generated DDL is deterministic
// and idempotent so repeated initialization passes are safe.
package schema

import (
	"fmt"
	"strings"

	"github.com/offsite-dev/replica/internal/registry"
)

// ColumnType is the logical column type emitted into DDL.
type ColumnType string

const (
	TypeInteger   ColumnType = "INTEGER"
	TypeBigint    ColumnType = "BIGINT"
	TypeText      ColumnType = "TEXT"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeDate      ColumnType = "DATE"
	TypeDouble    ColumnType = "DOUBLE"
	TypeJSON      ColumnType = "JSON"
)

// Column describes a single table column.
type Column struct {
	Name         string
	Type         ColumnType
	Nullable     bool
	IsPrimaryKey bool
}

// TableSchema is the resolved schema for one entity store.
type TableSchema struct {
	Store   string
	Columns []Column
	Indexes []string // column names to index
}

// Column returns the named column, if present.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKey returns the primary key column name, or "" if none is marked.
func (s TableSchema) PrimaryKey() string {
	for _, c := range s.Columns {
		if c.IsPrimaryKey {
			return c.Name
		}
	}
	return ""
}

// For resolves the schema for a store descriptor.
//
// Precedence: hardcoded fallback, then catalog derivation, then the generic
// primary-key-plus-JSON schema. Whatever the source, the result always carries
// the primary key column plus created_at/updated_at.
func For(desc registry.Descriptor, cat *Catalog) (TableSchema, string) {
	if s, ok := fallbacks[desc.StoreName]; ok {
		return withRequiredColumns(s, desc), ""
	}

	if cat != nil {
		if s, ok := cat.derive(desc); ok {
			return withRequiredColumns(s, desc), ""
		}
	}

	warning := fmt.Sprintf("no schema source for store %q, using generic key/data layout", desc.StoreName)
	generic := TableSchema{
		Store: desc.StoreName,
		Columns: []Column{
			{Name: desc.PrimaryKey(), Type: TypeText, IsPrimaryKey: true},
			{Name: "data", Type: TypeJSON, Nullable: true},
		},
	}
	return withRequiredColumns(generic, desc), warning
}

// withRequiredColumns guarantees the primary key, created_at and updated_at
// columns and carries the descriptor's secondary indexes.
func withRequiredColumns(s TableSchema, desc registry.Descriptor) TableSchema {
	pk := desc.PrimaryKey()

	// Fallback schemas are shared package state, work on copies.
	s.Columns = append([]Column(nil), s.Columns...)
	s.Indexes = append([]string(nil), s.Indexes...)

	if _, ok := s.Column(pk); !ok {
		s.Columns = append([]Column{{Name: pk, Type: TypeText, IsPrimaryKey: true}}, s.Columns...)
	} else {
		for i := range s.Columns {
			s.Columns[i].IsPrimaryKey = s.Columns[i].Name == pk
		}
	}

	for _, required := range []string{"created_at", "updated_at"} {
		if _, ok := s.Column(required); !ok {
			s.Columns = append(s.Columns, Column{Name: required, Type: TypeTimestamp, Nullable: true})
		}
	}

	seen := make(map[string]bool)
	for _, idx := range s.Indexes {
		seen[idx] = true
	}
	for _, idx := range desc.SecondaryIndexes {
		if !seen[idx] {
			s.Indexes = append(s.Indexes, idx)
			seen[idx] = true
		}
	}

	// Every indexed field must exist as a column, or the CREATE INDEX would
	// fail. Generic and catalog-derived schemas may not carry them; add them
	// as nullable columns typed by naming convention.
	for _, idx := range s.Indexes {
		if _, ok := s.Column(idx); !ok {
			s.Columns = append(s.Columns, Column{Name: idx, Type: indexColumnType(idx), Nullable: true})
		}
	}

	s.Store = desc.StoreName
	return s
}

// indexColumnType picks a column type for an indexed field the schema source
// did not declare. Foreign keys are numeric, timestamps temporal, the rest
// text.
func indexColumnType(name string) ColumnType {
	switch {
	case strings.HasSuffix(name, "_id"):
		return TypeBigint
	case strings.HasSuffix(name, "_at"):
		return TypeTimestamp
	default:
		return TypeText
	}
}

// DDL renders the CREATE statements for a schema.
//
// Output is deterministic for a given schema: column order is preserved and
// index statements follow in declaration order. Everything is IF NOT EXISTS
// so re-running is a no-op.
func DDL(s TableSchema) []string {
	var cols []string
	for _, c := range s.Columns {
		col := fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type)
		if c.IsPrimaryKey {
			col += " PRIMARY KEY"
		} else if !c.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}

	stmts := []string{fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		quoteIdent(s.Store), strings.Join(cols, ",\n\t"),
	)}

	for _, idx := range s.Indexes {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("idx_"+s.Store+"_"+idx), quoteIdent(s.Store), quoteIdent(idx),
		))
	}
	return stmts
}

// quoteIdent quotes an SQL identifier. Identifiers come from the registry and
// catalog, not user input, but quoting keeps reserved words usable as names.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
