// Package collection wraps one entity store with optimistic CRUD semantics.
//
// Writes land in the storage backend immediately so readers observe them
// without waiting on the network, then the corresponding remote command runs.
// Success reconciles the local row with the server's version; failure rolls
// the local write back to its pre-mutation snapshot and rethrows.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/signal"
)

// ErrNotFound is returned by Update when the target row is absent locally.
var ErrNotFound = errors.New("row not found")

// Commander is the slice of the remote client a collection needs.
// Satisfied by *remote.Client; tests substitute doubles.
type Commander interface {
	Create(ctx context.Context, restPath string, row backend.Row) (backend.Row, error)
	Update(ctx context.Context, restPath, id string, patch backend.Row) (backend.Row, error)
	Delete(ctx context.Context, restPath, id string) error
}

// Collection is the optimistic CRUD wrapper for one entity store.
type Collection struct {
	desc    registry.Descriptor
	store   backend.Store
	remote  Commander
	signals *signal.Hub
	logger  *log.Logger
}

// New creates a collection. remote may be nil for a read/sync-only store;
// signals may be nil.
func New(desc registry.Descriptor, store backend.Store, commander Commander, signals *signal.Hub, logger *log.Logger) *Collection {
	if logger == nil {
		logger = log.New(os.Stderr, "[collection] ", log.LstdFlags)
	}
	return &Collection{desc: desc, store: store, remote: commander, signals: signals, logger: logger}
}

// Descriptor returns the store descriptor this collection serves.
func (c *Collection) Descriptor() registry.Descriptor { return c.desc }

// Get reads one row from the backend. Missing rows are (nil, nil).
func (c *Collection) Get(ctx context.Context, key any) (backend.Row, error) {
	return c.store.Get(ctx, c.desc.StoreName, key)
}

// GetAll reads every row from the backend.
func (c *Collection) GetAll(ctx context.Context) ([]backend.Row, error) {
	return c.store.GetAll(ctx, c.desc.StoreName)
}

// Add creates a row optimistically.
//
// A row without a primary key gets a placeholder key so it is immediately
// visible to readers. After the create command succeeds the placeholder row
// is replaced by the server's row (which carries the real key). On failure
// the placeholder row is removed and the error rethrown.
func (c *Collection) Add(ctx context.Context, partial backend.Row) (backend.Row, error) {
	pk := c.desc.PrimaryKey()

	optimistic := partial.Clone()
	if optimistic == nil {
		optimistic = backend.Row{}
	}
	placeholder := false
	if v, ok := optimistic[pk]; !ok || v == nil {
		optimistic[pk] = placeholderKey()
		placeholder = true
	}
	tempKey := optimistic[pk]

	if err := c.store.Put(ctx, c.desc.StoreName, optimistic); err != nil {
		return nil, fmt.Errorf("optimistic write to %s failed: %w", c.desc.StoreName, err)
	}
	c.notify()

	payload := partial.Clone()
	if payload == nil {
		payload = backend.Row{}
	}
	if placeholder {
		delete(payload, pk)
	}

	serverRow, err := c.remote.Create(ctx, c.desc.RestPath, payload)
	if err != nil {
		c.rollbackDelete(tempKey)
		return nil, fmt.Errorf("create command for %s failed: %w", c.desc.StoreName, err)
	}

	// The server assigned the real key; drop the placeholder row first so
	// it does not linger next to the confirmed one.
	if backend.KeyString(serverRow[pk]) != backend.KeyString(tempKey) {
		if err := c.store.Delete(ctx, c.desc.StoreName, tempKey); err != nil {
			c.logger.Printf("WARNING: failed to remove placeholder row %v: %v", tempKey, err)
		}
	}
	if err := c.store.Put(ctx, c.desc.StoreName, serverRow); err != nil {
		return nil, fmt.Errorf("failed to store confirmed row: %w", err)
	}
	c.notify()
	return serverRow, nil
}

// Update patches a row optimistically.
//
// Fails fast with ErrNotFound when the row is absent. The patch is merged
// over the current row locally, then the update command runs; failure
// restores the pre-patch row byte for byte and rethrows.
func (c *Collection) Update(ctx context.Context, key any, patch backend.Row) (backend.Row, error) {
	current, err := c.store.Get(ctx, c.desc.StoreName, key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%s/%v: %w", c.desc.StoreName, key, ErrNotFound)
	}

	merged := current.Clone()
	for k, v := range patch {
		merged[k] = v
	}
	if err := c.store.Put(ctx, c.desc.StoreName, merged); err != nil {
		return nil, fmt.Errorf("optimistic write to %s failed: %w", c.desc.StoreName, err)
	}
	c.notify()

	serverRow, err := c.remote.Update(ctx, c.desc.RestPath, backend.KeyString(key), patch)
	if err != nil {
		c.rollbackPut(current)
		return nil, fmt.Errorf("update command for %s/%v failed: %w", c.desc.StoreName, key, err)
	}

	if err := c.store.Put(ctx, c.desc.StoreName, serverRow); err != nil {
		return nil, fmt.Errorf("failed to store confirmed row: %w", err)
	}
	c.notify()
	return serverRow, nil
}

// Delete removes a row optimistically.
//
// The current row is retained for rollback, removed locally, then the delete
// command runs. The remote client treats 404 as already-satisfied; any other
// failure restores the row and rethrows.
func (c *Collection) Delete(ctx context.Context, key any) error {
	current, err := c.store.Get(ctx, c.desc.StoreName, key)
	if err != nil {
		return err
	}

	if err := c.store.Delete(ctx, c.desc.StoreName, key); err != nil {
		return fmt.Errorf("optimistic delete from %s failed: %w", c.desc.StoreName, err)
	}
	c.notify()

	if err := c.remote.Delete(ctx, c.desc.RestPath, backend.KeyString(key)); err != nil {
		if current != nil {
			c.rollbackPut(current)
		}
		return fmt.Errorf("delete command for %s/%v failed: %w", c.desc.StoreName, key, err)
	}
	return nil
}

// Put is the local-only upsert used by the stream consumer and server-push
// handlers. No remote command is issued. A row carrying a soft-delete marker
// is translated into a physical delete.
func (c *Collection) Put(ctx context.Context, row backend.Row) error {
	pk := c.desc.PrimaryKey()

	if row.IsDeleted() {
		if err := c.store.Delete(ctx, c.desc.StoreName, row[pk]); err != nil {
			return err
		}
		c.notify()
		return nil
	}
	if err := c.store.Put(ctx, c.desc.StoreName, row); err != nil {
		return err
	}
	c.notify()
	return nil
}

// BulkPut applies a batch of local-only upserts, translating soft-deleted
// rows into physical deletes. When a batch carries several events for the
// same key, only the last one is applied, so a delete followed by a
// re-upsert converges to the live row. One refresh signal covers the
// whole batch.
func (c *Collection) BulkPut(ctx context.Context, rows []backend.Row) error {
	pk := c.desc.PrimaryKey()

	last := make(map[string]int, len(rows))
	for i, row := range rows {
		last[backend.KeyString(row[pk])] = i
	}

	var upserts []backend.Row
	var deletes []any
	for i, row := range rows {
		if last[backend.KeyString(row[pk])] != i {
			continue
		}
		if row.IsDeleted() {
			deletes = append(deletes, row[pk])
		} else {
			upserts = append(upserts, row)
		}
	}

	if len(upserts) > 0 {
		if err := c.store.BulkPut(ctx, c.desc.StoreName, upserts); err != nil {
			return err
		}
	}
	for _, key := range deletes {
		if err := c.store.Delete(ctx, c.desc.StoreName, key); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		c.notify()
	}
	return nil
}

// DeleteLocal removes a row without issuing a remote command.
func (c *Collection) DeleteLocal(ctx context.Context, key any) error {
	if err := c.store.Delete(ctx, c.desc.StoreName, key); err != nil {
		return err
	}
	c.notify()
	return nil
}

// rollbackPut restores a pre-mutation snapshot. Best-effort: a rollback
// failure is logged and swallowed so it does not mask the original error;
// the next sync reconciles the row anyway.
func (c *Collection) rollbackPut(snapshot backend.Row) {
	if err := c.store.Put(context.Background(), c.desc.StoreName, snapshot); err != nil {
		c.logger.Printf("WARNING: rollback of %s/%v failed: %v",
			c.desc.StoreName, snapshot[c.desc.PrimaryKey()], err)
		return
	}
	c.notify()
}

func (c *Collection) rollbackDelete(key any) {
	if err := c.store.Delete(context.Background(), c.desc.StoreName, key); err != nil {
		c.logger.Printf("WARNING: rollback delete of %s/%v failed: %v", c.desc.StoreName, key, err)
		return
	}
	c.notify()
}

func (c *Collection) notify() {
	c.signals.Notify(c.desc.StoreName)
}

// placeholderKey builds the temporary key assigned to an optimistic create
// before the server issues the real one.
func placeholderKey() string {
	return "tmp-" + uuid.NewString()
}
