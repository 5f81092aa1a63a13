package sqlite

import (
	"context"
	"testing"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/registry"
)

func newTestStore(t *testing.T, dataDir string) *Store {
	t.Helper()

	s, err := New(backend.Options{
		Registry:      registry.New(),
		DataDir:       dataDir,
		SchemaVersion: 1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ready, err := s.Init(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !ready {
		t.Fatal("Init() reported not ready")
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLazyTableCreationAndRoundTrip(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	row := backend.Row{
		"id":         float64(1),
		"title":      "Write report",
		"status_id":  float64(2),
		"updated_at": "2026-08-01T10:00:00Z",
	}
	if err := s.Put(ctx, "tasks", row); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "tasks", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for stored row")
	}
	if got["title"] != "Write report" {
		t.Errorf("title = %v, want Write report", got["title"])
	}
	if got["status_id"] != int64(2) {
		t.Errorf("status_id = %v (%T), want int64(2)", got["status_id"], got["status_id"])
	}
}

func TestLazyCreationForEveryRegisteredStore(t *testing.T) {
	// Stores without a fallback schema land on the generic layout but still
	// declare secondary indexes; table creation must succeed for all of them.
	s := newTestStore(t, "")
	ctx := context.Background()

	for _, desc := range s.reg.Stores() {
		store := desc.StoreName
		key := "seed-" + store

		row := backend.Row{desc.PrimaryKey(): key, "name": "x"}
		if err := s.Put(ctx, store, row); err != nil {
			t.Fatalf("Put(%s) error = %v", store, err)
		}
		got, err := s.Get(ctx, store, key)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", store, err)
		}
		if got == nil {
			t.Errorf("Get(%s) returned nil for stored row", store)
		}
	}
}

func TestUpsertReplacesByPrimaryKey(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(1), "title": "first"})
	if err := s.Put(ctx, "tasks", backend.Row{"id": float64(1), "title": "second"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rows, err := s.GetAll(ctx, "tasks")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("GetAll() returned %d rows, want 1 after replace", len(rows))
	}
	if rows[0]["title"] != "second" {
		t.Errorf("title = %v, want second", rows[0]["title"])
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	row := backend.Row{"id": float64(5), "title": "same"}
	if err := s.Put(ctx, "tasks", row); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	first, _ := s.GetAll(ctx, "tasks")

	if err := s.Put(ctx, "tasks", row); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	second, _ := s.GetAll(ctx, "tasks")

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("row counts = %d, %d, want 1, 1", len(first), len(second))
	}
	if first[0]["title"] != second[0]["title"] {
		t.Error("applying the same row twice changed the stored state")
	}
}

func TestUnknownColumnsAbsorbed(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	row := backend.Row{
		"id":            float64(1),
		"title":         "drifted",
		"novel_field":   "server grew a column",
		"novel_object":  map[string]any{"a": float64(1)},
		"novel_boolean": true,
	}
	if err := s.Put(ctx, "tasks", row); err != nil {
		t.Fatalf("Put() with drifted columns error = %v", err)
	}

	got, err := s.Get(ctx, "tasks", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["novel_field"] != "server grew a column" {
		t.Errorf("novel_field = %v", got["novel_field"])
	}
	if m, ok := got["novel_object"].(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("novel_object = %v (%T), want decoded object", got["novel_object"], got["novel_object"])
	}
	if got["novel_boolean"] != true {
		t.Errorf("novel_boolean = %v (%T), want true", got["novel_boolean"], got["novel_boolean"])
	}
}

func TestJSONColumnRoundTrip(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	custom := map[string]any{"color": "red", "points": float64(3)}
	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(1), "custom_values": custom})

	got, _ := s.Get(ctx, "tasks", 1)
	decoded, ok := got["custom_values"].(map[string]any)
	if !ok {
		t.Fatalf("custom_values = %T, want map", got["custom_values"])
	}
	if decoded["color"] != "red" || decoded["points"] != float64(3) {
		t.Errorf("custom_values = %v", decoded)
	}
}

func TestBulkPutTransactional(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	rows := []backend.Row{
		{"id": float64(1), "title": "a"},
		{"id": float64(2), "title": "b"},
		{"id": float64(3), "title": "c"},
	}
	if err := s.BulkPut(ctx, "tasks", rows); err != nil {
		t.Fatalf("BulkPut() error = %v", err)
	}

	got, _ := s.GetAll(ctx, "tasks")
	if len(got) != 3 {
		t.Errorf("GetAll() returned %d rows, want 3", len(got))
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(1)})
	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(2)})

	if err := s.Delete(ctx, "tasks", 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "tasks", 999); err != nil {
		t.Fatalf("Delete(absent) error = %v", err)
	}
	got, _ := s.GetAll(ctx, "tasks")
	if len(got) != 1 {
		t.Fatalf("%d rows after delete, want 1", len(got))
	}

	if err := s.Clear(ctx, "tasks"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, _ = s.GetAll(ctx, "tasks")
	if len(got) != 0 {
		t.Errorf("%d rows after clear, want 0", len(got))
	}
}

func TestNonDefaultPrimaryKey(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	row := backend.Row{"view_name": "my-board", "workspace_id": float64(1)}
	if err := s.Put(ctx, "saved_views", row); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "saved_views", "my-board")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("row keyed by view_name not found")
	}
}

func TestQuerySQLCapability(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	var store backend.Store = s
	runner, ok := store.(backend.SQLRunner)
	if !ok {
		t.Fatal("sqlite engine does not expose the SQLRunner capability")
	}

	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(1), "title": "alpha"})
	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(2), "title": "beta"})

	rows, err := runner.QuerySQL(ctx, `SELECT * FROM "tasks" WHERE "title" = ?`, "beta")
	if err != nil {
		t.Fatalf("QuerySQL() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != int64(2) {
		t.Errorf("QuerySQL() = %v, want one row with id 2", rows)
	}
}

func TestVersionMismatchRecreates(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(1), "title": "old world"})
	_ = s.Close()

	s2, err := New(backend.Options{
		Registry:      registry.New(),
		DataDir:       dir,
		SchemaVersion: 2,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s2.Init(ctx, "user-1"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer s2.Close()

	got, _ := s2.GetAll(ctx, "tasks")
	if len(got) != 0 {
		t.Errorf("stale rows survived a schema version bump: %v", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	_ = s.Put(ctx, "tasks", backend.Row{"id": float64(7), "title": "survives"})
	_ = s.Close()

	s2, err := New(backend.Options{Registry: registry.New(), DataDir: dir, SchemaVersion: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s2.Init(ctx, "user-1"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "tasks", 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got["title"] != "survives" {
		t.Errorf("row did not survive reopen: %v", got)
	}
}
