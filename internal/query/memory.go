package query

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/offsite-dev/replica/internal/backend"
)

// JoinIndex maps a related store's canonical primary key to the display
// value text search matches against.
type JoinIndex map[string]string

// evaluateRows runs a Spec over materialized rows, mirroring the generated
// SQL semantics clause for clause. joins carries one prebuilt index per
// text-search join, keyed by the TextJoin itself.
func evaluateRows(rows []backend.Row, spec Spec, joins map[TextJoin]JoinIndex) Result {
	filtered := make([]backend.Row, 0, len(rows))
	for _, row := range rows {
		if rowMatches(row, spec, joins) {
			filtered = append(filtered, row)
		}
	}

	sortRows(filtered, spec.Sort)

	total := len(filtered)
	page := filtered
	if spec.Offset > 0 {
		if spec.Offset >= len(page) {
			page = nil
		} else {
			page = page[spec.Offset:]
		}
	}
	if spec.Limit > 0 && spec.Limit < len(page) {
		page = page[:spec.Limit]
	}
	return Result{Rows: page, TotalCount: total}
}

func rowMatches(row backend.Row, spec Spec, joins map[TextJoin]JoinIndex) bool {
	for f, want := range spec.Equality {
		if !equalValue(row[f], want) {
			return false
		}
	}
	if ts := spec.TextSearch; ts != nil && ts.Query != "" {
		if !matchesTextSearch(row, *ts, joins) {
			return false
		}
	}
	if dr := spec.DateRange; dr != nil && dr.Field != "" {
		if !matchesDateRange(row, *dr) {
			return false
		}
	}
	if fm := spec.Filters; fm != nil && len(fm.Conditions) > 0 {
		if !matchesFilterModel(row, *fm) {
			return false
		}
	}
	return true
}

func matchesTextSearch(row backend.Row, ts TextSearch, joins map[TextJoin]JoinIndex) bool {
	// No fields and no joins means the search constrains nothing, exactly
	// as the SQL strategy drops the clause.
	if len(ts.Fields) == 0 && len(ts.Joins) == 0 {
		return true
	}
	needle := strings.ToLower(ts.Query)

	for _, f := range ts.Fields {
		if v := row[f]; v != nil {
			if strings.Contains(strings.ToLower(valueString(v)), needle) {
				return true
			}
		}
	}
	for _, j := range ts.Joins {
		key := row[j.LocalField]
		if key == nil {
			continue
		}
		display, ok := joins[j][backend.KeyString(key)]
		if ok && strings.Contains(strings.ToLower(display), needle) {
			return true
		}
	}
	return false
}

func matchesDateRange(row backend.Row, dr DateRange) bool {
	day, ok := dayOf(row[dr.Field])
	if !ok {
		return false
	}
	if dr.From != "" && day < dr.From {
		return false
	}
	if dr.To != "" && day > dr.To {
		return false
	}
	return true
}

func matchesFilterModel(row backend.Row, fm FilterModel) bool {
	or := strings.EqualFold(fm.Operator, OpOr)
	for _, c := range fm.Conditions {
		hit := matchesCondition(row, c)
		if or && hit {
			return true
		}
		if !or && !hit {
			return false
		}
	}
	return !or
}

func matchesCondition(row backend.Row, c Condition) bool {
	v := row[c.Field]

	switch c.Kind {
	case FilterSet:
		return setContains(c.Set, v)

	case FilterText:
		str := strings.ToLower(valueString(v))
		want := strings.ToLower(c.Value)
		switch c.Op {
		case OpContains:
			return v != nil && strings.Contains(str, want)
		case OpStartsWith:
			return v != nil && strings.HasPrefix(str, want)
		case OpEndsWith:
			return v != nil && strings.HasSuffix(str, want)
		case OpEquals:
			return v != nil && str == want
		case OpNotEqual:
			return v == nil || str != want
		case OpBlank:
			return v == nil || str == ""
		case OpNotBlank:
			return v != nil && str != ""
		}

	case FilterNumber:
		f, ok := valueFloat(v)
		want, err := strconv.ParseFloat(c.Value, 64)
		switch c.Op {
		case OpEquals:
			return ok && err == nil && f == want
		case OpNotEqual:
			return !ok || err != nil || f != want
		case OpLessThan:
			return ok && err == nil && f < want
		case OpLessOrEq:
			return ok && err == nil && f <= want
		case OpGreaterThan:
			return ok && err == nil && f > want
		case OpGreaterOrEq:
			return ok && err == nil && f >= want
		case OpInRange:
			to, toErr := strconv.ParseFloat(c.To, 64)
			return ok && err == nil && toErr == nil && f >= want && f <= to
		case OpBlank:
			return v == nil
		case OpNotBlank:
			return v != nil
		}

	case FilterDate:
		day, ok := dayOf(v)
		want, wantOK := dayOf(c.Value)
		switch c.Op {
		case OpEquals:
			return ok && wantOK && day == want
		case OpNotEqual:
			return !ok || !wantOK || day != want
		case OpLessThan:
			return ok && wantOK && day < want
		case OpGreaterThan:
			return ok && wantOK && day > want
		case OpInRange:
			to, toOK := dayOf(c.To)
			return ok && wantOK && toOK && day >= want && day <= to
		case OpBlank:
			return v == nil
		case OpNotBlank:
			return v != nil
		}
	}
	return false
}

// equalValue is exact-match equality over JSON scalars. Numeric values
// compare by canonical rendering so float64(2), int64(2) and "2" coincide,
// matching how SQL affinity resolves the same comparison.
func equalValue(v, want any) bool {
	if want == nil {
		return v == nil
	}
	if v == nil {
		return false
	}
	return backend.KeyString(v) == backend.KeyString(want)
}

func setContains(set []*string, v any) bool {
	for _, m := range set {
		if m == nil {
			if v == nil {
				return true
			}
			continue
		}
		if v == nil {
			continue
		}
		if canonicalMember(*m) == backend.KeyString(v) {
			return true
		}
	}
	return false
}

// canonicalMember normalizes a set member the way row keys are normalized,
// so "2.0" and a stored 2 land on the same representation.
func canonicalMember(m string) string {
	if f, err := strconv.ParseFloat(m, 64); err == nil {
		return backend.KeyString(f)
	}
	return m
}

func sortRows(rows []backend.Row, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			c := compareForSort(rows[i][k.Field], rows[j][k.Field], k)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// compareForSort orders two values under one sort key. Nulls sort last in
// either direction; only the non-null comparison honors Descending.
func compareForSort(a, b any, k SortKey) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c := compareValues(a, b, k.Kind)
	if k.Descending {
		return -c
	}
	return c
}

func compareValues(a, b any, kind ColumnKind) int {
	switch kind {
	case KindNumeric:
		fa, aok := valueFloat(a)
		fb, bok := valueFloat(b)
		if aok && bok {
			return compareFloat(fa, fb)
		}
	case KindDate:
		ta, aok := parseTime(a)
		tb, bok := parseTime(b)
		if aok && bok {
			return ta.Compare(tb)
		}
	case KindAuto:
		fa, aok := valueFloat(a)
		fb, bok := valueFloat(b)
		if aok && bok {
			return compareFloat(fa, fb)
		}
	}
	return strings.Compare(valueString(a), valueString(b))
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// valueString renders a scalar for text matching and lexicographic
// comparison. Integral floats render without a fractional part so both
// storage engines produce the same text.
func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return backend.KeyString(v)
	}
}

func valueFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// dayOf reduces a timestamp or date value to its "YYYY-MM-DD" day in UTC,
// the granularity all date filtering operates at. UTC matches how SQLite's
// date() normalizes zoned timestamps.
func dayOf(v any) (string, bool) {
	t, ok := parseTime(v)
	if !ok {
		return "", false
	}
	return t.UTC().Format("2006-01-02"), true
}
