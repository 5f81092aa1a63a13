package stream

import (
	"context"
	"testing"
	"time"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/backend/memkv"
	"github.com/offsite-dev/replica/internal/registry"
)

func newStateBackend(t *testing.T) backend.Store {
	t.Helper()

	store, err := memkv.New(backend.Options{Registry: registry.New(), SchemaVersion: 1})
	if err != nil {
		t.Fatalf("memkv.New() error = %v", err)
	}
	if _, err := store.Init(context.Background(), "user-1"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursorRoundTrip(t *testing.T) {
	s := NewStateStore(newStateBackend(t), "acme", "user-1")
	ctx := context.Background()

	if cursor, err := s.Cursor(ctx); err != nil || cursor != "" {
		t.Fatalf("Cursor() on empty state = %q, %v, want empty", cursor, err)
	}

	if err := s.SaveCursor(ctx, "c42"); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if cursor, _ := s.Cursor(ctx); cursor != "c42" {
		t.Errorf("Cursor() = %q, want c42", cursor)
	}

	if err := s.ClearCursor(ctx); err != nil {
		t.Fatalf("ClearCursor() error = %v", err)
	}
	if cursor, _ := s.Cursor(ctx); cursor != "" {
		t.Errorf("Cursor() after clear = %q, want empty", cursor)
	}
}

func TestLastSyncRoundTrip(t *testing.T) {
	s := NewStateStore(newStateBackend(t), "acme", "user-1")
	ctx := context.Background()

	if last, err := s.LastSync(ctx); err != nil || !last.IsZero() {
		t.Fatalf("LastSync() on empty state = %v, %v, want zero", last, err)
	}

	at := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	if err := s.MarkSynced(ctx, at); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	last, err := s.LastSync(ctx)
	if err != nil {
		t.Fatalf("LastSync() error = %v", err)
	}
	if !last.Equal(at) {
		t.Errorf("LastSync() = %v, want %v", last, at)
	}
}

func TestStateIsNamespacedPerPrincipal(t *testing.T) {
	store := newStateBackend(t)
	ctx := context.Background()

	a := NewStateStore(store, "acme", "alice")
	b := NewStateStore(store, "acme", "bob")
	other := NewStateStore(store, "globex", "alice")

	_ = a.SaveCursor(ctx, "a-cursor")
	_ = b.SaveCursor(ctx, "b-cursor")
	_ = other.SaveCursor(ctx, "tenant-cursor")

	if cursor, _ := a.Cursor(ctx); cursor != "a-cursor" {
		t.Errorf("alice cursor = %q, want a-cursor", cursor)
	}
	if cursor, _ := b.Cursor(ctx); cursor != "b-cursor" {
		t.Errorf("bob cursor = %q, want b-cursor", cursor)
	}
	if cursor, _ := other.Cursor(ctx); cursor != "tenant-cursor" {
		t.Errorf("other-tenant cursor = %q, want tenant-cursor", cursor)
	}
}
