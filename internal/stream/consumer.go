// Package stream consumes the server's NDJSON replication stream and applies
// it to the local replica.
//
// A session walks a strict lifecycle: IDLE until the stream opens, STREAMING
// while events apply, then exactly one of DONE (completion event seen,
// cursor persisted), RESYNC_REQUIRED (server disowned our cursor; local data
// is discarded and one fresh session runs) or FAILED (buffered rows flush,
// the cursor is left untouched, the error surfaces).
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/collection"
	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/remote"
)

// State is the consumer lifecycle state.
type State string

const (
	StateIdle           State = "IDLE"
	StateStreaming      State = "STREAMING"
	StateResyncRequired State = "RESYNC_REQUIRED"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Event is one NDJSON line of the replication stream: a row event
// {entity, id, type, record?} or one of the control events (meta,
// checkpoint, snapshot_start, snapshot_end, done). Unknown fields are
// ignored so the server can extend the protocol without breaking older
// clients.
type Event struct {
	Type           string      `json:"type"`
	Entity         string      `json:"entity,omitempty"`
	ID             any         `json:"id,omitempty"`
	Record         backend.Row `json:"record,omitempty"`
	Cursor         string      `json:"cursor,omitempty"`
	NextCursor     string      `json:"next_cursor,omitempty"`
	RequiresResync []string    `json:"requires_resync,omitempty"`
}

const (
	eventMeta          = "meta"
	eventUpsert        = "upsert"
	eventDelete        = "delete"
	eventCheckpoint    = "checkpoint"
	eventSnapshotStart = "snapshot_start"
	eventSnapshotEnd   = "snapshot_end"
	eventDone          = "done"
)

// Opener opens one replication stream session. Satisfied by *remote.Client.
type Opener interface {
	OpenStream(ctx context.Context, path, cursor string) (io.ReadCloser, error)
}

// Config tunes one consumer.
type Config struct {
	// Path is the stream endpoint.
	Path string

	// BatchSize is the per-table row count that forces a flush.
	BatchSize int

	// PriorityStores flush at PriorityBatchSize instead, so the stores
	// that drive the first paint become readable sooner.
	PriorityStores    []string
	PriorityBatchSize int

	// Debounce flushes a trickling stream when the oldest buffered row
	// has waited this long.
	Debounce time.Duration

	// SessionTimeout bounds one whole session.
	SessionTimeout time.Duration

	// MinSyncInterval skips a session entirely when the previous one
	// completed this recently. Zero disables the skip.
	MinSyncInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Path:              "/api/v1/sync",
		BatchSize:         200,
		PriorityStores:    []string{"tasks", "statuses", "projects"},
		PriorityBatchSize: 25,
		Debounce:          100 * time.Millisecond,
		SessionTimeout:    60 * time.Second,
	}
}

// Summary reports what one Run did.
type Summary struct {
	State         State
	Upserted      int
	Deleted       int
	Malformed     int
	Cursor        string
	Resynced      bool
	SkippedRecent bool
}

// errResyncRequired is raised inside a session when the server flags that the
// client's replica can no longer be caught up incrementally.
var errResyncRequired = errors.New("server requires a full resync")

// incrementalCapabilities are the meta requires_resync entries this client
// absorbs without a rebuild: new columns land via schema drift and
// soft-deleted rows converge through the tombstone path. Anything else the
// server names (visibility rule changes, permission rewrites) forces a full
// resync.
var incrementalCapabilities = map[string]bool{
	"column_additions": true,
	"soft_deletes":     true,
}

// needsResync reports whether a meta event's requires_resync list names a
// capability the client cannot apply incrementally.
func needsResync(capabilities []string) bool {
	for _, name := range capabilities {
		if !incrementalCapabilities[name] {
			return true
		}
	}
	return false
}

// Consumer drives replication sessions against the local replica.
type Consumer struct {
	cfg      Config
	opener   Opener
	set      *collection.Set
	reg      *registry.Registry
	store    backend.Store
	state    *StateStore
	logger   *log.Logger
	priority map[string]bool

	mu      sync.Mutex
	current State
}

// NewConsumer wires a consumer. All arguments are required except logger.
func NewConsumer(cfg Config, opener Opener, set *collection.Set, reg *registry.Registry, store backend.Store, state *StateStore, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.New(os.Stderr, "[stream] ", log.LstdFlags)
	}
	priority := make(map[string]bool, len(cfg.PriorityStores))
	for _, s := range cfg.PriorityStores {
		priority[s] = true
	}
	return &Consumer{
		cfg:      cfg,
		opener:   opener,
		set:      set,
		reg:      reg,
		store:    store,
		state:    state,
		logger:   logger,
		priority: priority,
		current:  StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

// Run executes one replication session, including the single resync retry
// when the server disowns the persisted cursor.
func (c *Consumer) Run(ctx context.Context) (Summary, error) {
	if c.cfg.MinSyncInterval > 0 {
		last, err := c.state.LastSync(ctx)
		if err == nil && !last.IsZero() && time.Since(last) < c.cfg.MinSyncInterval {
			c.logger.Printf("last sync %s ago, within %s, skipping session",
				time.Since(last).Round(time.Second), c.cfg.MinSyncInterval)
			return Summary{State: StateDone, SkippedRecent: true}, nil
		}
	}

	cursor, err := c.state.Cursor(ctx)
	if err != nil {
		return Summary{State: StateFailed}, fmt.Errorf("failed to load cursor: %w", err)
	}

	sum, err := c.session(ctx, cursor)
	if errors.Is(err, errResyncRequired) || errors.Is(err, remote.ErrCursorInvalid) {
		c.setState(StateResyncRequired)
		c.logger.Printf("cursor %q disowned by server, discarding local replica for a full resync", cursor)
		if resetErr := c.resetLocal(ctx); resetErr != nil {
			c.setState(StateFailed)
			return Summary{State: StateFailed}, fmt.Errorf("failed to reset replica for resync: %w", resetErr)
		}
		sum, err = c.session(ctx, "")
		sum.Resynced = true
	}
	return sum, err
}

// resetLocal discards the cursor and every entity store ahead of a resync.
func (c *Consumer) resetLocal(ctx context.Context) error {
	if err := c.state.ClearCursor(ctx); err != nil {
		return err
	}
	for _, desc := range c.reg.Stores() {
		if err := c.store.Clear(ctx, desc.StoreName); err != nil {
			return fmt.Errorf("failed to clear %s: %w", desc.StoreName, err)
		}
	}
	return nil
}

func (c *Consumer) session(parent context.Context, cursor string) (Summary, error) {
	ctx := parent
	if c.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.cfg.SessionTimeout)
		defer cancel()
	}

	c.setState(StateStreaming)
	body, err := c.opener.OpenStream(ctx, c.cfg.Path, cursor)
	if err != nil {
		if !errors.Is(err, remote.ErrCursorInvalid) {
			c.setState(StateFailed)
		}
		return Summary{State: StateFailed}, err
	}
	defer body.Close()

	b := newBatcher(c)
	var sum Summary

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Printf("skipping malformed stream line: %v", err)
			sum.Malformed++
			continue
		}

		if err := c.apply(ctx, b, ev, &sum); err != nil {
			if errors.Is(err, errSessionDone) {
				sum.State = StateDone
				return sum, nil
			}
			if !errors.Is(err, errResyncRequired) {
				c.setState(StateFailed)
				sum.State = StateFailed
			}
			return sum, err
		}

		if b.due(c.cfg.Debounce) {
			if err := b.flushAll(ctx); err != nil {
				c.setState(StateFailed)
				sum.State = StateFailed
				return sum, err
			}
		}
	}

	// The stream ended without a completion event. Buffered rows still
	// flush; the cursor stays where the last checkpoint put it.
	if flushErr := b.flushAll(ctx); flushErr != nil {
		c.logger.Printf("WARNING: failed to flush buffered rows: %v", flushErr)
	}
	c.setState(StateFailed)
	sum.State = StateFailed
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("replication stream read failed: %w", err)
	}
	return sum, errors.New("replication stream ended without a completion event")
}

// errSessionDone signals normal completion up through apply.
var errSessionDone = errors.New("session complete")

func (c *Consumer) apply(ctx context.Context, b *batcher, ev Event, sum *Summary) error {
	switch ev.Type {
	case eventMeta:
		if needsResync(ev.RequiresResync) {
			return errResyncRequired
		}
		return nil

	case eventUpsert:
		row := ev.Record
		if row == nil {
			c.logger.Printf("skipping upsert for %q without a record", ev.Entity)
			sum.Malformed++
			return nil
		}
		// Some servers leave the key out of the record and carry it only in
		// the envelope.
		if desc, ok := c.reg.ByRemoteTable(ev.Entity); ok {
			if _, has := row[desc.PrimaryKey()]; !has && ev.ID != nil {
				row[desc.PrimaryKey()] = ev.ID
			}
		}
		if err := b.add(ctx, ev.Entity, row); err != nil {
			return err
		}
		sum.Upserted++
		return nil

	case eventDelete:
		desc, ok := c.reg.ByRemoteTable(ev.Entity)
		if !ok {
			c.logger.Printf("skipping delete for unknown entity %q", ev.Entity)
			return nil
		}
		tomb := backend.Row{
			desc.PrimaryKey(): ev.ID,
			"deleted_at":      time.Now().UTC().Format(time.RFC3339),
		}
		if err := b.add(ctx, ev.Entity, tomb); err != nil {
			return err
		}
		sum.Deleted++
		return nil

	case eventSnapshotStart:
		if err := b.flushTable(ctx, ev.Entity); err != nil {
			return err
		}
		b.beginSnapshot(ev.Entity)
		return nil

	case eventSnapshotEnd:
		if err := b.flushTable(ctx, ev.Entity); err != nil {
			return err
		}
		removed, err := c.reconcileSnapshot(ctx, ev.Entity, b.endSnapshot(ev.Entity))
		if err != nil {
			return err
		}
		sum.Deleted += removed
		return nil

	case eventCheckpoint:
		// Every buffered row flushes before the cursor moves; a persisted
		// cursor asserts everything before it is applied.
		if err := b.flushAll(ctx); err != nil {
			return err
		}
		if err := c.state.SaveCursor(ctx, ev.Cursor); err != nil {
			return fmt.Errorf("failed to persist checkpoint cursor: %w", err)
		}
		sum.Cursor = ev.Cursor
		return nil

	case eventDone:
		if err := b.flushAll(ctx); err != nil {
			return err
		}
		if err := c.state.SaveCursor(ctx, ev.NextCursor); err != nil {
			return fmt.Errorf("failed to persist final cursor: %w", err)
		}
		if err := c.state.MarkSynced(ctx, time.Now()); err != nil {
			c.logger.Printf("WARNING: failed to record sync time: %v", err)
		}
		sum.Cursor = ev.NextCursor
		c.setState(StateDone)
		return errSessionDone

	default:
		c.logger.Printf("skipping unknown stream event type %q", ev.Type)
		return nil
	}
}

// reconcileSnapshot deletes local rows the snapshot did not mention. The
// snapshot is authoritative for its table.
func (c *Consumer) reconcileSnapshot(ctx context.Context, table string, seen map[string]bool) (int, error) {
	col, err := c.set.ForRemoteTable(table)
	if err != nil {
		c.logger.Printf("skipping snapshot reconciliation for unknown table %q", table)
		return 0, nil
	}
	pk := col.Descriptor().PrimaryKey()

	rows, err := col.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		if seen[backend.KeyString(row[pk])] {
			continue
		}
		if err := col.DeleteLocal(ctx, row[pk]); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		c.logger.Printf("snapshot of %s removed %d stale local rows", table, removed)
	}
	return removed, nil
}

// batcher buffers rows per table between flush points.
type batcher struct {
	c        *Consumer
	pending  map[string][]backend.Row
	oldest   time.Time
	snapshot map[string]map[string]bool
}

func newBatcher(c *Consumer) *batcher {
	return &batcher{
		c:        c,
		pending:  make(map[string][]backend.Row),
		snapshot: make(map[string]map[string]bool),
	}
}

func (b *batcher) add(ctx context.Context, table string, row backend.Row) error {
	col, err := b.c.set.ForRemoteTable(table)
	if err != nil {
		b.c.logger.Printf("skipping row for unknown table %q", table)
		return nil
	}

	if seen, ok := b.snapshot[table]; ok && !row.IsDeleted() {
		seen[backend.KeyString(row[col.Descriptor().PrimaryKey()])] = true
	}

	b.pending[table] = append(b.pending[table], row)
	if b.oldest.IsZero() {
		b.oldest = time.Now()
	}

	threshold := b.c.cfg.BatchSize
	if b.c.priority[col.Descriptor().StoreName] {
		threshold = b.c.cfg.PriorityBatchSize
	}
	if threshold > 0 && len(b.pending[table]) >= threshold {
		return b.flushTable(ctx, table)
	}
	return nil
}

func (b *batcher) flushTable(ctx context.Context, table string) error {
	rows := b.pending[table]
	if len(rows) == 0 {
		return nil
	}
	delete(b.pending, table)

	col, err := b.c.set.ForRemoteTable(table)
	if err != nil {
		return nil
	}
	if err := col.BulkPut(ctx, rows); err != nil {
		return fmt.Errorf("failed to apply %d rows to %s: %w", len(rows), table, err)
	}
	return nil
}

func (b *batcher) flushAll(ctx context.Context) error {
	tables := make([]string, 0, len(b.pending))
	for t := range b.pending {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, t := range tables {
		if err := b.flushTable(ctx, t); err != nil {
			return err
		}
	}
	b.oldest = time.Time{}
	return nil
}

func (b *batcher) due(debounce time.Duration) bool {
	return debounce > 0 && !b.oldest.IsZero() && time.Since(b.oldest) >= debounce
}

func (b *batcher) beginSnapshot(table string) {
	b.snapshot[table] = make(map[string]bool)
}

func (b *batcher) endSnapshot(table string) map[string]bool {
	seen := b.snapshot[table]
	delete(b.snapshot, table)
	if seen == nil {
		seen = make(map[string]bool)
	}
	return seen
}
