// Package query evaluates declarative filter/sort/page specifications
// against an entity store.
//
// The same Spec runs through one of two strategies: generated SQL when the
// backend exposes the SQLRunner capability, or an in-memory predicate and
// comparator pipeline otherwise. Both strategies implement identical filter
// semantics; tests hold them to it.
package query

import "github.com/offsite-dev/replica/internal/backend"

// Spec is a declarative query against one entity store. Zero values mean
// "no constraint".
type Spec struct {
	// Equality filters rows to exact attribute matches. A nil value
	// matches rows where the attribute is null.
	Equality map[string]any

	// TextSearch applies a case-insensitive substring search.
	TextSearch *TextSearch

	// DateRange restricts a date attribute to an inclusive day range.
	DateRange *DateRange

	// Filters is the structured per-column filter model.
	Filters *FilterModel

	// Sort orders results before pagination. Multi-key, stable.
	Sort []SortKey

	// Limit and Offset page the sorted result. Limit 0 means no limit.
	// TotalCount in the result is unaffected by pagination.
	Limit  int
	Offset int
}

// TextSearch is a free-text constraint over own columns and, optionally,
// name/label fields of related entities reached through a local key column.
type TextSearch struct {
	Query  string
	Fields []string
	Joins  []TextJoin
}

// TextJoin matches the search text against a related entity's display field.
// A row qualifies when the entity referenced by LocalField has a MatchField
// containing the query.
type TextJoin struct {
	LocalField string // e.g. "status_id"
	Store      string // e.g. "statuses"
	MatchField string // e.g. "name"
}

// DateRange is an inclusive [From, To] day-granularity constraint.
// Bounds are "YYYY-MM-DD"; an empty bound is open.
type DateRange struct {
	Field string
	From  string
	To    string
}

// ColumnKind declares how a sort key compares values.
type ColumnKind string

const (
	KindAuto    ColumnKind = ""        // numeric when both sides are numbers
	KindNumeric ColumnKind = "numeric" // always numeric
	KindText    ColumnKind = "text"    // always lexicographic
	KindDate    ColumnKind = "date"    // compared as timestamps
)

// SortKey orders by one attribute. Nulls sort last in either direction.
type SortKey struct {
	Field      string
	Descending bool
	Kind       ColumnKind
}

// Filter operators shared by both strategies.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// FilterModel combines per-column conditions with one declared operator.
type FilterModel struct {
	Operator   string // OpAnd (default) or OpOr
	Conditions []Condition
}

// Condition kinds.
const (
	FilterSet    = "set"
	FilterText   = "text"
	FilterNumber = "number"
	FilterDate   = "date"
)

// Text/number/date operations.
const (
	OpContains    = "contains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpEquals      = "equals"
	OpNotEqual    = "notEqual"
	OpBlank       = "blank"
	OpNotBlank    = "notBlank"
	OpLessThan    = "lessThan"
	OpLessOrEq    = "lessThanOrEqual"
	OpGreaterThan = "greaterThan"
	OpGreaterOrEq = "greaterThanOrEqual"
	OpInRange     = "inRange"
)

// Condition is one structured filter.
//
// Set conditions use Set: the row qualifies when its value is a member; a
// nil member admits rows with a null value. The other kinds use Op with
// Value (and To for inRange). Date comparisons are day-granular, ignoring
// time of day.
type Condition struct {
	Field string
	Kind  string
	Op    string
	Value string
	To    string
	Set   []*string
}

// Result is the evaluated page plus the unpaginated total.
type Result struct {
	Rows       []backend.Row
	TotalCount int
}
