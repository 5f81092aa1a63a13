// Package backend defines the storage contract shared by the two embedded
// engines: the JSON key-value store (memkv) and the sandboxed SQLite engine
// (sqlite).
//
// Call sites never talk to an engine directly; they hold a Store and, when
// they need generated SQL, probe for the optional SQLRunner capability.
// Engines register a constructor here and are selected at startup by name,
// with automatic fallback from the SQL engine to the key-value engine.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/schema"
	"github.com/offsite-dev/replica/internal/signal"
)

// Row is one entity row: an attribute map keyed by the store's schema.
// Values follow encoding/json conventions (float64, string, bool, nil,
// map[string]any, []any) except where an engine preserves integer width.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsDeleted reports whether the row carries a non-null soft-delete marker.
// Such rows are never stored; consumers translate them into physical deletes.
func (r Row) IsDeleted() bool {
	v, ok := r["deleted_at"]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}

// ErrUnavailable is returned by writes when the backend failed to initialize
// or timed out doing so. Reads degrade to empty results instead.
var ErrUnavailable = errors.New("storage backend unavailable")

// DefaultReadyTimeout bounds how long callers wait for initialization.
const DefaultReadyTimeout = 5 * time.Second

// Store is the capability contract both engines implement.
//
// Init is idempotent and coalesces concurrent callers onto one in-flight
// initialization. All store-scoped methods serialize per store: two
// operations against the same store never interleave, operations against
// different stores run independently.
type Store interface {
	// Init prepares the on-device database for the given principal.
	// Returns true when the backend is ready for reads and writes.
	Init(ctx context.Context, principalID string) (bool, error)

	// WhenReady blocks until initialization finishes or the timeout
	// elapses, reporting readiness.
	WhenReady(timeout time.Duration) bool

	GetAll(ctx context.Context, store string) ([]Row, error)
	Get(ctx context.Context, store string, key any) (Row, error)
	Put(ctx context.Context, store string, row Row) error
	BulkPut(ctx context.Context, store string, rows []Row) error
	Delete(ctx context.Context, store string, key any) error
	Clear(ctx context.Context, store string) error

	Close() error
}

// SQLRunner is the optional capability exposed by the SQL engine. The query
// engine probes for it to decide between generated SQL and in-memory
// evaluation.
type SQLRunner interface {
	QuerySQL(ctx context.Context, query string, args ...any) ([]Row, error)
	ExecSQL(ctx context.Context, query string, args ...any) error
}

// Options carries everything an engine constructor needs.
type Options struct {
	// Registry resolves store names to descriptors. Required.
	Registry *registry.Registry

	// Catalog is the optional remote type catalog for DDL derivation.
	Catalog *schema.Catalog

	// DataDir is the directory holding per-principal databases.
	// Empty means fully in-memory (no durable persistence).
	DataDir string

	// SchemaVersion is compared against the persisted version marker on
	// every Init; a mismatch destroys and recreates the local database.
	SchemaVersion int

	// Signals receives changed-store notifications. Optional.
	Signals *signal.Hub

	// Logger for engine activity. Nil gets a stderr default.
	Logger *log.Logger
}

// Constructor builds an engine from options. Engines register one in init().
type Constructor func(opts Options) (Store, error)

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Constructor)
)

// RegisterEngine makes an engine constructor available under a name.
// Called from engine package init(); duplicate names panic.
func RegisterEngine(name string, fn Constructor) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, dup := engines[name]; dup {
		panic(fmt.Sprintf("backend: engine %q registered twice", name))
	}
	engines[name] = fn
}

// Open constructs the engine selected by name.
//
// "auto" prefers the sqlite engine and falls back to memkv when construction
// fails, logging the downgrade. Unknown names are an error.
func Open(engine string, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[backend] ", log.LstdFlags)
	}

	if engine == "" || engine == "auto" {
		store, err := open("sqlite", opts)
		if err == nil {
			return store, nil
		}
		logger.Printf("sqlite engine unavailable (%v), falling back to memkv", err)
		return open("memkv", opts)
	}
	return open(engine, opts)
}

func open(name string, opts Options) (Store, error) {
	enginesMu.RLock()
	fn, ok := engines[name]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage engine %q", name)
	}
	return fn(opts)
}

// KeyString canonicalizes a primary key value for map indexing and file
// naming. JSON numbers arrive as float64; integral values render without a
// fractional part so 5 and 5.0 address the same row.
func KeyString(key any) string {
	switch v := key.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return KeyString(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// NormalizeKey collapses integral floats to int64 so typed engines bind the
// key with the column's affinity.
func NormalizeKey(key any) any {
	if f, ok := key.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return key
}

// OpQueue provides the per-store mutual exclusion both engines use. The
// contract is total ordering of operations within one store, nothing more.
type OpQueue struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOpQueue creates an empty queue.
func NewOpQueue() *OpQueue {
	return &OpQueue{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the named store's lock and returns the release func.
func (q *OpQueue) Lock(store string) func() {
	q.mu.Lock()
	l, ok := q.locks[store]
	if !ok {
		l = &sync.Mutex{}
		q.locks[store] = l
	}
	q.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// SortRowsByKey orders rows by their canonical key string. Engines use it so
// GetAll has a stable order regardless of map iteration.
func SortRowsByKey(rows []Row, pkField string) {
	sort.SliceStable(rows, func(i, j int) bool {
		return KeyString(rows[i][pkField]) < KeyString(rows[j][pkField])
	})
}
