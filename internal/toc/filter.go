package toc

import (
	"fmt"
	"sort"
	"strings"
)

// CatalogSchema is always part of an enabled filter.
const CatalogSchema = "pg_catalog"

// TableRef identifies a table by schema and name.
type TableRef struct {
	Schema string
	Table  string
}

func (t TableRef) String() string {
	return t.Schema + "." + t.Table
}

// ParseTableRef splits a "schema.table" whitelist entry on its first dot.
func ParseTableRef(s string) (TableRef, error) {
	schema, table, ok := strings.Cut(s, ".")
	if !ok || schema == "" || table == "" {
		return TableRef{}, fmt.Errorf("invalid table %q: expected schema.table", s)
	}
	return TableRef{Schema: schema, Table: table}, nil
}

// FilterSet is the schema and table whitelist of one restore run. It is
// built once and never modified.
type FilterSet struct {
	schemas map[string]struct{}
	tables  map[TableRef]struct{}
}

// NewFilterSet builds a whitelist. An empty schema list disables filtering
// entirely, whatever tables are given.
func NewFilterSet(schemas, tables []string) (FilterSet, error) {
	f := FilterSet{
		schemas: make(map[string]struct{}, len(schemas)+1),
		tables:  make(map[TableRef]struct{}, len(tables)),
	}

	for _, t := range tables {
		ref, err := ParseTableRef(t)
		if err != nil {
			return FilterSet{}, err
		}
		f.tables[ref] = struct{}{}
	}

	if len(schemas) == 0 {
		return f, nil
	}

	for _, s := range schemas {
		f.schemas[s] = struct{}{}
	}
	f.schemas[CatalogSchema] = struct{}{}

	return f, nil
}

// Enabled reports whether the filter excludes anything at all.
func (f FilterSet) Enabled() bool {
	return len(f.schemas) > 0
}

// IncludesSchema reports whether objects of schema are restored.
func (f FilterSet) IncludesSchema(schema string) bool {
	_, ok := f.schemas[schema]
	return ok
}

// IncludesTable reports whether data of schema.table is restored.
func (f FilterSet) IncludesTable(schema, table string) bool {
	_, ok := f.tables[TableRef{Schema: schema, Table: table}]
	return ok
}

// Schemas returns the included schemas, pg_catalog included, sorted.
func (f FilterSet) Schemas() []string {
	out := make([]string, 0, len(f.schemas))
	for s := range f.schemas {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Tables returns the whitelisted tables, sorted.
func (f FilterSet) Tables() []TableRef {
	out := make([]TableRef, 0, len(f.tables))
	for t := range f.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Verdict is the filter's decision on one entry.
type Verdict int

// Verdicts. Everything but Keep disables the entry.
const (
	Keep Verdict = iota
	ExcludeACL
	ExcludeSchema
	ExcludeTableData
)

func (v Verdict) String() string {
	switch v {
	case ExcludeACL:
		return "exclude_acl"
	case ExcludeSchema:
		return "exclude_schema"
	case ExcludeTableData:
		return "exclude_table_data"
	default:
		return "keep"
	}
}

// Excluded reports whether the verdict disables the entry.
func (v Verdict) Excluded() bool {
	return v != Keep
}

// Decision records how one entry was classified and judged.
type Decision struct {
	Entry       Entry
	Attribution Attribution
	Verdict     Verdict
}

// Decide classifies e and judges it against the whitelist. The first
// matching rule wins:
//
//  1. ACL grants on an included schema are stripped.
//  2. Objects of a schema outside the whitelist are excluded.
//  3. Data of an included schema is kept only for whitelisted tables.
//
// Opaque and unclassifiable entries are always kept.
func (f FilterSet) Decide(e Entry) Decision {
	d := Decision{Entry: e, Attribution: Classify(e)}

	if !f.Enabled() || !d.Attribution.Classified() {
		return d
	}

	a, b, c := e.Fields[0], e.Fields[1], e.Fields[2]
	schema := d.Attribution.Schema

	switch {
	case a == "ACL" && b == "-" && f.IncludesSchema(c):
		d.Verdict = ExcludeACL
	case !f.IncludesSchema(schema):
		d.Verdict = ExcludeSchema
	case b == "DATA" && !f.IncludesTable(schema, d.Attribution.Table):
		d.Verdict = ExcludeTableData
	}

	return d
}
