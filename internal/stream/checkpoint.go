package stream

import (
	"context"
	"time"

	"github.com/offsite-dev/replica/internal/backend"
)

// stateStore is the reserved backend store holding replication state. It is
// not registered in the entity registry so it never syncs or surfaces in
// queries.
const stateStore = "sync_state"

// StateStore persists the replication cursor and last-sync timestamp,
// namespaced by tenant and principal so switching accounts on one device
// never resumes from another account's position.
type StateStore struct {
	store     backend.Store
	tenant    string
	principal string
}

// NewStateStore creates the state accessor for one tenant/principal pair.
func NewStateStore(store backend.Store, tenant, principal string) *StateStore {
	return &StateStore{store: store, tenant: tenant, principal: principal}
}

func (s *StateStore) key(kind string) string {
	return s.tenant + "/" + s.principal + "/" + kind
}

// Cursor returns the persisted replication cursor, empty when none exists.
func (s *StateStore) Cursor(ctx context.Context) (string, error) {
	row, err := s.store.Get(ctx, stateStore, s.key("cursor"))
	if err != nil || row == nil {
		return "", err
	}
	v, _ := row["value"].(string)
	return v, nil
}

// SaveCursor persists the cursor. Callers must flush all buffered row
// batches first; a persisted cursor asserts everything before it is applied.
func (s *StateStore) SaveCursor(ctx context.Context, cursor string) error {
	return s.store.Put(ctx, stateStore, backend.Row{
		"id":    s.key("cursor"),
		"value": cursor,
	})
}

// ClearCursor discards the cursor, forcing the next session to start from
// scratch.
func (s *StateStore) ClearCursor(ctx context.Context) error {
	return s.store.Delete(ctx, stateStore, s.key("cursor"))
}

// LastSync returns when the last successful session completed, zero when
// never.
func (s *StateStore) LastSync(ctx context.Context) (time.Time, error) {
	row, err := s.store.Get(ctx, stateStore, s.key("last_sync"))
	if err != nil || row == nil {
		return time.Time{}, err
	}
	v, _ := row["value"].(string)
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// MarkSynced records a successful session completion time.
func (s *StateStore) MarkSynced(ctx context.Context, at time.Time) error {
	return s.store.Put(ctx, stateStore, backend.Row{
		"id":    s.key("last_sync"),
		"value": at.UTC().Format(time.RFC3339),
	})
}
