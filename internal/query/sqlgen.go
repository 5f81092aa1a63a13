package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/offsite-dev/replica/internal/registry"
)

// Compiled is a Spec lowered to parameterized SQL: the page query plus a
// COUNT(*) twin sharing the same WHERE clause.
type Compiled struct {
	Query      string
	Args       []any
	CountQuery string
	CountArgs  []any
}

// Compile lowers a Spec to SQL against the store's table. Join lookups for
// text search resolve their primary key through the registry.
func Compile(desc registry.Descriptor, spec Spec, reg *registry.Registry) (Compiled, error) {
	table := quoteIdent(desc.StoreName)

	var where []string
	var args []any

	if clause, a := compileEquality(desc, spec.Equality); clause != "" {
		where = append(where, clause)
		args = append(args, a...)
	}
	if spec.TextSearch != nil && spec.TextSearch.Query != "" {
		clause, a, err := compileTextSearch(desc, *spec.TextSearch, reg)
		if err != nil {
			return Compiled{}, err
		}
		if clause != "" {
			where = append(where, clause)
			args = append(args, a...)
		}
	}
	if spec.DateRange != nil && spec.DateRange.Field != "" {
		clause, a := compileDateRange(*spec.DateRange)
		if clause != "" {
			where = append(where, clause)
			args = append(args, a...)
		}
	}
	if spec.Filters != nil && len(spec.Filters.Conditions) > 0 {
		clause, a, err := compileFilterModel(*spec.Filters)
		if err != nil {
			return Compiled{}, err
		}
		where = append(where, clause)
		args = append(args, a...)
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM " + table)
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}
	sb.WriteString(whereSQL)

	if len(spec.Sort) > 0 {
		var keys []string
		for _, k := range spec.Sort {
			col := quoteIdent(k.Field)
			dir := "ASC"
			if k.Descending {
				dir = "DESC"
			}
			// Nulls sort last regardless of direction, matching the
			// in-memory comparator.
			keys = append(keys, col+" IS NULL, "+col+" "+dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(keys, ", "))
	}

	pageArgs := append([]any(nil), args...)
	if spec.Limit > 0 {
		sb.WriteString(" LIMIT ? OFFSET ?")
		pageArgs = append(pageArgs, spec.Limit, spec.Offset)
	} else if spec.Offset > 0 {
		// SQLite requires a LIMIT before OFFSET; -1 means unbounded.
		sb.WriteString(" LIMIT -1 OFFSET ?")
		pageArgs = append(pageArgs, spec.Offset)
	}

	return Compiled{
		Query:      sb.String(),
		Args:       pageArgs,
		CountQuery: `SELECT COUNT(*) AS "total" FROM ` + table + whereSQL,
		CountArgs:  append([]any(nil), args...),
	}, nil
}

func compileEquality(desc registry.Descriptor, eq map[string]any) (string, []any) {
	if len(eq) == 0 {
		return "", nil
	}

	// Deterministic clause order: primary key first, then indexed fields,
	// then the rest alphabetically.
	fields := orderedEqualityFields(desc, eq)

	var parts []string
	var args []any
	for _, f := range fields {
		v := eq[f]
		if v == nil {
			parts = append(parts, quoteIdent(f)+" IS NULL")
			continue
		}
		parts = append(parts, quoteIdent(f)+" = ?")
		args = append(args, v)
	}
	return strings.Join(parts, " AND "), args
}

func compileTextSearch(desc registry.Descriptor, ts TextSearch, reg *registry.Registry) (string, []any, error) {
	pattern := "%" + strings.ToLower(ts.Query) + "%"
	table := quoteIdent(desc.StoreName)

	var parts []string
	var args []any
	for _, f := range ts.Fields {
		parts = append(parts, "lower("+quoteIdent(f)+") LIKE ?")
		args = append(args, pattern)
	}
	for _, j := range ts.Joins {
		joined, ok := reg.Lookup(j.Store)
		if !ok {
			return "", nil, fmt.Errorf("text search joins unknown store %q", j.Store)
		}
		jt := quoteIdent(j.Store)
		parts = append(parts, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s WHERE %s.%s = %s.%s AND lower(%s.%s) LIKE ?)",
			jt,
			jt, quoteIdent(joined.PrimaryKey()),
			table, quoteIdent(j.LocalField),
			jt, quoteIdent(j.MatchField)))
		args = append(args, pattern)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, nil
}

func compileDateRange(dr DateRange) (string, []any) {
	col := quoteIdent(dr.Field)
	var parts []string
	var args []any
	if dr.From != "" {
		parts = append(parts, "date("+col+") >= date(?)")
		args = append(args, dr.From)
	}
	if dr.To != "" {
		parts = append(parts, "date("+col+") <= date(?)")
		args = append(args, dr.To)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", args
}

func compileFilterModel(fm FilterModel) (string, []any, error) {
	op := " AND "
	if strings.EqualFold(fm.Operator, OpOr) {
		op = " OR "
	}

	var parts []string
	var args []any
	for _, c := range fm.Conditions {
		clause, a, err := compileCondition(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, clause)
		args = append(args, a...)
	}
	return "(" + strings.Join(parts, op) + ")", args, nil
}

func compileCondition(c Condition) (string, []any, error) {
	col := quoteIdent(c.Field)

	switch c.Kind {
	case FilterSet:
		return compileSetCondition(col, c.Set), nil, nil

	case FilterText:
		switch c.Op {
		case OpContains:
			return "lower(" + col + ") LIKE ?", []any{"%" + strings.ToLower(c.Value) + "%"}, nil
		case OpStartsWith:
			return "lower(" + col + ") LIKE ?", []any{strings.ToLower(c.Value) + "%"}, nil
		case OpEndsWith:
			return "lower(" + col + ") LIKE ?", []any{"%" + strings.ToLower(c.Value)}, nil
		case OpEquals:
			return "lower(" + col + ") = ?", []any{strings.ToLower(c.Value)}, nil
		case OpNotEqual:
			return "(" + col + " IS NULL OR lower(" + col + ") != ?)", []any{strings.ToLower(c.Value)}, nil
		case OpBlank:
			return "(" + col + " IS NULL OR " + col + " = '')", nil, nil
		case OpNotBlank:
			return "(" + col + " IS NOT NULL AND " + col + " != '')", nil, nil
		}

	case FilterNumber:
		v, err := strconv.ParseFloat(c.Value, 64)
		if err != nil && c.Op != OpBlank && c.Op != OpNotBlank {
			return "", nil, fmt.Errorf("number filter on %s: bad value %q", c.Field, c.Value)
		}
		switch c.Op {
		case OpEquals:
			return col + " = ?", []any{v}, nil
		case OpNotEqual:
			return "(" + col + " IS NULL OR " + col + " != ?)", []any{v}, nil
		case OpLessThan:
			return col + " < ?", []any{v}, nil
		case OpLessOrEq:
			return col + " <= ?", []any{v}, nil
		case OpGreaterThan:
			return col + " > ?", []any{v}, nil
		case OpGreaterOrEq:
			return col + " >= ?", []any{v}, nil
		case OpInRange:
			to, err := strconv.ParseFloat(c.To, 64)
			if err != nil {
				return "", nil, fmt.Errorf("number range on %s: bad upper bound %q", c.Field, c.To)
			}
			return "(" + col + " >= ? AND " + col + " <= ?)", []any{v, to}, nil
		case OpBlank:
			return col + " IS NULL", nil, nil
		case OpNotBlank:
			return col + " IS NOT NULL", nil, nil
		}

	case FilterDate:
		d := "date(" + col + ")"
		switch c.Op {
		case OpEquals:
			return d + " = date(?)", []any{c.Value}, nil
		case OpNotEqual:
			return "(" + col + " IS NULL OR " + d + " != date(?))", []any{c.Value}, nil
		case OpLessThan:
			return d + " < date(?)", []any{c.Value}, nil
		case OpGreaterThan:
			return d + " > date(?)", []any{c.Value}, nil
		case OpInRange:
			return "(" + d + " >= date(?) AND " + d + " <= date(?))", []any{c.Value, c.To}, nil
		case OpBlank:
			return col + " IS NULL", nil, nil
		case OpNotBlank:
			return col + " IS NOT NULL", nil, nil
		}
	}
	return "", nil, fmt.Errorf("unsupported filter %s/%s on %s", c.Kind, c.Op, c.Field)
}

// compileSetCondition inlines set members as literals rather than binding
// them, because members are caller-vetted enum values and inlining keeps the
// clause shape independent of set size. Numeric-looking members are emitted
// bare so SQLite's column affinity matches them against typed columns.
func compileSetCondition(col string, set []*string) string {
	if len(set) == 0 {
		// Empty set admits nothing.
		return "1 = 0"
	}

	withNull := false
	var members []string
	for _, m := range set {
		if m == nil {
			withNull = true
			continue
		}
		if _, err := strconv.ParseFloat(*m, 64); err == nil {
			members = append(members, *m)
		} else {
			members = append(members, "'"+strings.ReplaceAll(*m, "'", "''")+"'")
		}
	}

	var parts []string
	if len(members) > 0 {
		parts = append(parts, col+" IN ("+strings.Join(members, ", ")+")")
	}
	if withNull {
		parts = append(parts, col+" IS NULL")
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func orderedEqualityFields(desc registry.Descriptor, eq map[string]any) []string {
	indexed := make(map[string]bool, len(desc.SecondaryIndexes))
	for _, f := range desc.SecondaryIndexes {
		indexed[f] = true
	}

	rank := func(f string) int {
		switch {
		case f == desc.PrimaryKey():
			return 0
		case indexed[f]:
			return 1
		default:
			return 2
		}
	}

	fields := make([]string, 0, len(eq))
	for f := range eq {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool {
		a, b := fields[i], fields[j]
		if rank(a) != rank(b) {
			return rank(a) < rank(b)
		}
		return a < b
	})
	return fields
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
