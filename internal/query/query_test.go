package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/backend/memkv"
	"github.com/offsite-dev/replica/internal/backend/sqlite"
	"github.com/offsite-dev/replica/internal/registry"
)

func strp(s string) *string { return &s }

// seedStore loads the shared fixture: three statuses and four tasks covering
// null attributes, joined display names and mixed due dates.
func seedStore(t *testing.T, store backend.Store) {
	t.Helper()
	ctx := context.Background()

	statuses := []backend.Row{
		{"id": float64(1), "name": "Backlog"},
		{"id": float64(2), "name": "In Progress"},
		{"id": float64(3), "name": "Done"},
	}
	if err := store.BulkPut(ctx, "statuses", statuses); err != nil {
		t.Fatalf("BulkPut(statuses) error = %v", err)
	}

	tasks := []backend.Row{
		{"id": float64(1), "title": "Fix login flow", "status_id": float64(2), "due_at": "2026-08-10T12:00:00Z", "priority": float64(3)},
		{"id": float64(2), "title": "Write docs", "status_id": float64(1), "due_at": "2026-08-02T09:00:00Z", "priority": float64(1)},
		{"id": float64(3), "title": "Progress report", "status_id": float64(3), "due_at": nil, "priority": float64(2)},
		{"id": float64(4), "title": "Login audit", "status_id": float64(2), "due_at": "2026-08-20T00:00:00Z", "priority": nil},
	}
	if err := store.BulkPut(ctx, "tasks", tasks); err != nil {
		t.Fatalf("BulkPut(tasks) error = %v", err)
	}
}

func newMemEngine(t *testing.T) *Engine {
	t.Helper()

	reg := registry.New()
	store, err := memkv.New(backend.Options{Registry: reg, SchemaVersion: 1})
	if err != nil {
		t.Fatalf("memkv.New() error = %v", err)
	}
	if _, err := store.Init(context.Background(), "user-1"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	seedStore(t, store)
	return NewEngine(reg, store, nil)
}

func newSQLEngine(t *testing.T) *Engine {
	t.Helper()

	reg := registry.New()
	store, err := sqlite.New(backend.Options{Registry: reg, SchemaVersion: 1})
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	if _, err := store.Init(context.Background(), "user-1"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	seedStore(t, store)
	return NewEngine(reg, store, nil)
}

func resultIDs(res Result) []string {
	ids := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		ids = append(ids, backend.KeyString(row["id"]))
	}
	return ids
}

// Both strategies must return the same rows in the same order with the same
// total, for every shape of query the engine supports.
func TestStrategyEquivalence(t *testing.T) {
	tests := []struct {
		name      string
		spec      Spec
		wantIDs   []string
		wantTotal int
	}{
		{
			name: "set filter with joined text search sorted by priority",
			spec: Spec{
				TextSearch: &TextSearch{
					Query:  "progress",
					Fields: []string{"title"},
					Joins:  []TextJoin{{LocalField: "status_id", Store: "statuses", MatchField: "name"}},
				},
				Filters: &FilterModel{Conditions: []Condition{
					{Field: "status_id", Kind: FilterSet, Set: []*string{strp("1"), strp("2")}},
				}},
				Sort: []SortKey{{Field: "priority", Descending: true, Kind: KindNumeric}},
			},
			wantIDs:   []string{"1", "4"},
			wantTotal: 2,
		},
		{
			name: "equality on indexed column",
			spec: Spec{
				Equality: map[string]any{"status_id": float64(2)},
				Sort:     []SortKey{{Field: "id", Kind: KindNumeric}},
			},
			wantIDs:   []string{"1", "4"},
			wantTotal: 2,
		},
		{
			name: "inclusive date range at day granularity",
			spec: Spec{
				DateRange: &DateRange{Field: "due_at", From: "2026-08-02", To: "2026-08-10"},
				Sort:      []SortKey{{Field: "due_at", Kind: KindDate}},
			},
			wantIDs:   []string{"2", "1"},
			wantTotal: 2,
		},
		{
			name: "OR filter model",
			spec: Spec{
				Filters: &FilterModel{
					Operator: OpOr,
					Conditions: []Condition{
						{Field: "priority", Kind: FilterNumber, Op: OpGreaterThan, Value: "2"},
						{Field: "title", Kind: FilterText, Op: OpContains, Value: "docs"},
					},
				},
				Sort: []SortKey{{Field: "id", Kind: KindNumeric}},
			},
			wantIDs:   []string{"1", "2"},
			wantTotal: 2,
		},
		{
			name: "pagination keeps the unpaginated total",
			spec: Spec{
				Sort:   []SortKey{{Field: "priority", Kind: KindNumeric}},
				Limit:  2,
				Offset: 1,
			},
			wantIDs:   []string{"3", "1"},
			wantTotal: 4,
		},
		{
			name: "null set member admits rows without the attribute",
			spec: Spec{
				Filters: &FilterModel{Conditions: []Condition{
					{Field: "priority", Kind: FilterSet, Set: []*string{nil, strp("3")}},
				}},
				Sort: []SortKey{{Field: "id", Kind: KindNumeric}},
			},
			wantIDs:   []string{"1", "4"},
			wantTotal: 2,
		},
		{
			name: "descending sort still puts nulls last",
			spec: Spec{
				Sort: []SortKey{{Field: "due_at", Descending: true, Kind: KindDate}},
			},
			wantIDs:   []string{"4", "1", "2", "3"},
			wantTotal: 4,
		},
	}

	engines := map[string]*Engine{
		"memory": newMemEngine(t),
		"sql":    newSQLEngine(t),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for engineName, engine := range engines {
				res, err := engine.Evaluate(context.Background(), "tasks", tt.spec)
				require.NoError(t, err, engineName)
				require.Equal(t, tt.wantIDs, resultIDs(res), "%s row order", engineName)
				require.Equal(t, tt.wantTotal, res.TotalCount, "%s total", engineName)
			}
		})
	}
}

func TestEvaluateUnknownStore(t *testing.T) {
	engine := newMemEngine(t)
	if _, err := engine.Evaluate(context.Background(), "nope", Spec{}); err == nil {
		t.Error("Evaluate() accepted an unknown store")
	}
}

func TestCompileEmptySetMatchesNothing(t *testing.T) {
	reg := registry.New()
	desc, _ := reg.Lookup("tasks")

	compiled, err := Compile(desc, Spec{
		Filters: &FilterModel{Conditions: []Condition{
			{Field: "status_id", Kind: FilterSet, Set: nil},
		}},
	}, reg)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if !strings.Contains(compiled.Query, "1 = 0") {
		t.Errorf("query = %q, want impossible predicate for empty set", compiled.Query)
	}
}

func TestCompileCountSharesWhereClause(t *testing.T) {
	reg := registry.New()
	desc, _ := reg.Lookup("tasks")

	compiled, err := Compile(desc, Spec{
		Equality: map[string]any{"status_id": float64(2)},
		Sort:     []SortKey{{Field: "id"}},
		Limit:    10,
	}, reg)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if !strings.Contains(compiled.CountQuery, `"status_id" = ?`) {
		t.Errorf("count query %q lost the filter", compiled.CountQuery)
	}
	if strings.Contains(compiled.CountQuery, "ORDER BY") || strings.Contains(compiled.CountQuery, "LIMIT") {
		t.Errorf("count query %q carries ordering or pagination", compiled.CountQuery)
	}
	if len(compiled.Args) != len(compiled.CountArgs)+2 {
		t.Errorf("page args = %d, count args = %d, want page = count + limit/offset",
			len(compiled.Args), len(compiled.CountArgs))
	}
}

func TestCompileRejectsBadNumber(t *testing.T) {
	reg := registry.New()
	desc, _ := reg.Lookup("tasks")

	_, err := Compile(desc, Spec{
		Filters: &FilterModel{Conditions: []Condition{
			{Field: "priority", Kind: FilterNumber, Op: OpEquals, Value: "not-a-number"},
		}},
	}, reg)
	if err == nil {
		t.Error("Compile() accepted a malformed numeric filter")
	}
}

func TestMemoryEqualityNullMatch(t *testing.T) {
	engine := newMemEngine(t)

	res, err := engine.Evaluate(context.Background(), "tasks", Spec{
		Equality: map[string]any{"priority": nil},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got := resultIDs(res); len(got) != 1 || got[0] != "4" {
		t.Errorf("rows = %v, want only the task with a null priority", got)
	}
}

// scanCountingStore tallies full scans and point lookups on one store.
type scanCountingStore struct {
	backend.Store
	scans   int
	lookups int
}

func (s *scanCountingStore) GetAll(ctx context.Context, store string) ([]backend.Row, error) {
	s.scans++
	return s.Store.GetAll(ctx, store)
}

func (s *scanCountingStore) Get(ctx context.Context, store string, key any) (backend.Row, error) {
	s.lookups++
	return s.Store.Get(ctx, store, key)
}

func TestMemoryPrimaryKeyEqualityUsesPointLookup(t *testing.T) {
	reg := registry.New()
	inner, err := memkv.New(backend.Options{Registry: reg, SchemaVersion: 1})
	if err != nil {
		t.Fatalf("memkv.New() error = %v", err)
	}
	if _, err := inner.Init(context.Background(), "user-1"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })
	seedStore(t, inner)

	store := &scanCountingStore{Store: inner}
	engine := NewEngine(reg, store, nil)

	res, err := engine.Evaluate(context.Background(), "tasks", Spec{
		Equality: map[string]any{"id": float64(3)},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got := resultIDs(res); len(got) != 1 || got[0] != "3" {
		t.Errorf("rows = %v, want only task 3", got)
	}
	if store.scans != 0 {
		t.Errorf("%d full scans for a primary key match, want 0", store.scans)
	}
	if store.lookups != 1 {
		t.Errorf("%d point lookups, want 1", store.lookups)
	}

	// A key the store has never seen resolves to an empty result without
	// falling back to a scan.
	res, err = engine.Evaluate(context.Background(), "tasks", Spec{
		Equality: map[string]any{"id": float64(999)},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(res.Rows) != 0 || res.TotalCount != 0 {
		t.Errorf("result = %v/%d, want empty", resultIDs(res), res.TotalCount)
	}
	if store.scans != 0 {
		t.Errorf("%d full scans after the miss, want 0", store.scans)
	}
}

func TestMemoryStableSortPreservesTies(t *testing.T) {
	rows := []backend.Row{
		{"id": "a", "group": float64(1)},
		{"id": "b", "group": float64(1)},
		{"id": "c", "group": float64(1)},
	}
	res := evaluateRows(rows, Spec{Sort: []SortKey{{Field: "group", Kind: KindNumeric}}}, nil)

	want := []string{"a", "b", "c"}
	for i, row := range res.Rows {
		if row["id"] != want[i] {
			t.Fatalf("tied rows reordered: got %v at %d, want %v", row["id"], i, want[i])
		}
	}
}

func TestDayOfNormalizesZones(t *testing.T) {
	day, ok := dayOf("2026-08-01T01:30:00+05:00")
	if !ok || day != "2026-07-31" {
		t.Errorf("dayOf() = %q, %v, want UTC day 2026-07-31", day, ok)
	}
}
