// Package memkv implements the key-value storage engine.
//
// Rows live in per-store maps and, when a data directory is configured, are
// mirrored to disk as one JSON file per row (<dataDir>/kv-<principal>/
// <store>/<key>.json). The layout is deliberately boring: it survives
// crashes, diffs cleanly, and lets the watcher pick up edits made by another
// process.
package memkv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/signal"
)

func init() {
	backend.RegisterEngine("memkv", func(opts backend.Options) (backend.Store, error) {
		return New(opts)
	})
}

const versionFile = "VERSION"

// Store is the key-value engine.
type Store struct {
	reg     *registry.Registry
	dataDir string
	version int
	signals *signal.Hub
	logger  *log.Logger

	gate  backend.Gate
	queue *backend.OpQueue

	mu     sync.RWMutex
	tables map[string]map[string]backend.Row
	dir    string // per-principal directory, "" when memory-only

	selfMu     sync.Mutex
	selfWrites map[string]time.Time // paths this process touched, for the watcher
}

// New creates an uninitialized engine. Call Init before use.
func New(opts backend.Options) (*Store, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[memkv] ", log.LstdFlags)
	}
	return &Store{
		reg:        opts.Registry,
		dataDir:    opts.DataDir,
		version:    opts.SchemaVersion,
		signals:    opts.Signals,
		logger:     logger,
		queue:      backend.NewOpQueue(),
		tables:     make(map[string]map[string]backend.Row),
		selfWrites: make(map[string]time.Time),
	}, nil
}

// Init implements backend.Store. Concurrent callers coalesce onto one pass.
func (s *Store) Init(ctx context.Context, principalID string) (bool, error) {
	run, done := s.gate.Begin()
	if !run {
		select {
		case <-done:
			return s.gate.Ready(), nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	err := s.initialize(principalID)
	s.gate.Finish(err == nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) initialize(principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tables = make(map[string]map[string]backend.Row)

	if s.dataDir == "" {
		s.dir = ""
		return nil
	}

	dir := filepath.Join(s.dataDir, "kv-"+sanitize(principalID))

	if stale, err := versionMismatch(dir, s.version); err != nil {
		return err
	} else if stale {
		s.logger.Printf("schema version mismatch, recreating %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove stale database: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	marker := strconv.Itoa(s.version)
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte(marker), 0644); err != nil {
		return fmt.Errorf("failed to write version marker: %w", err)
	}

	s.dir = dir
	return s.loadAll()
}

// versionMismatch reports whether the persisted marker disagrees with want.
// A missing directory or marker is not a mismatch; there is nothing to drop.
func versionMismatch(dir string, want int) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, versionFile))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read version marker: %w", err)
	}
	got, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return true, nil
	}
	return got != want, nil
}

// loadAll reads every persisted row back into memory. Invalid files are
// skipped with a warning, matching how partially written rows are handled.
func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		store := entry.Name()
		table := make(map[string]backend.Row)

		files, err := os.ReadDir(filepath.Join(s.dir, store))
		if err != nil {
			return fmt.Errorf("failed to read store directory %s: %w", store, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			path := filepath.Join(s.dir, store, f.Name())
			row, err := readRowFile(path)
			if err != nil {
				s.logger.Printf("WARNING: skipping invalid row file %s: %v", path, err)
				continue
			}
			table[keyFromFilename(f.Name())] = row
		}
		s.tables[store] = table
	}
	return nil
}

// WhenReady implements backend.Store.
func (s *Store) WhenReady(timeout time.Duration) bool {
	return s.gate.Wait(timeout)
}

// GetAll implements backend.Store. Degrades to an empty result when the
// backend never became ready.
func (s *Store) GetAll(ctx context.Context, store string) ([]backend.Row, error) {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		s.logger.Printf("backend not ready, returning empty result for %s", store)
		return nil, nil
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.tables[store]
	rows := make([]backend.Row, 0, len(table))
	for _, row := range table {
		rows = append(rows, row.Clone())
	}

	pk := registry.DefaultPrimaryKey
	if desc, ok := s.reg.Lookup(store); ok {
		pk = desc.PrimaryKey()
	}
	backend.SortRowsByKey(rows, pk)
	return rows, nil
}

// Get implements backend.Store. A missing row is (nil, nil).
func (s *Store) Get(ctx context.Context, store string, key any) (backend.Row, error) {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return nil, nil
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.tables[store][backend.KeyString(key)]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

// Put implements backend.Store.
func (s *Store) Put(ctx context.Context, store string, row backend.Row) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()
	return s.put(store, row)
}

// BulkPut implements backend.Store. The store lock is held for the whole
// batch so readers never observe a partially applied flush.
func (s *Store) BulkPut(ctx context.Context, store string, rows []backend.Row) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	for _, row := range rows {
		if err := s.put(store, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(store string, row backend.Row) error {
	pk := s.primaryKey(store)
	keyVal, ok := row[pk]
	if !ok || keyVal == nil {
		return fmt.Errorf("row for store %s is missing primary key %q", store, pk)
	}
	key := backend.KeyString(keyVal)

	s.mu.Lock()
	table, ok := s.tables[store]
	if !ok {
		table = make(map[string]backend.Row)
		s.tables[store] = table
	}
	table[key] = row.Clone()
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, store, filenameForKey(key))
	s.markSelfWrite(path)
	return writeRowFile(path, row)
}

// Delete implements backend.Store. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, store string, key any) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	k := backend.KeyString(key)

	s.mu.Lock()
	delete(s.tables[store], k)
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, store, filenameForKey(k))
	s.markSelfWrite(path)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove row file: %w", err)
	}
	return nil
}

// Clear implements backend.Store.
func (s *Store) Clear(ctx context.Context, store string) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	s.mu.Lock()
	delete(s.tables, store)
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.dir, store)); err != nil {
		return fmt.Errorf("failed to clear store %s: %w", store, err)
	}
	return nil
}

// Close implements backend.Store. Nothing to flush; row files are written
// synchronously.
func (s *Store) Close() error {
	return nil
}

func (s *Store) primaryKey(store string) string {
	if desc, ok := s.reg.Lookup(store); ok {
		return desc.PrimaryKey()
	}
	return registry.DefaultPrimaryKey
}

// sanitize keeps principal identifiers filesystem-safe.
func sanitize(principalID string) string {
	if principalID == "" {
		return "anonymous"
	}
	return url.PathEscape(principalID)
}

func filenameForKey(key string) string {
	return url.PathEscape(key) + ".json"
}

func keyFromFilename(name string) string {
	key := strings.TrimSuffix(name, ".json")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func readRowFile(path string) (backend.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var row backend.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// writeRowFile writes atomically via a temp file so the watcher in another
// process never observes a half-written row.
func writeRowFile(path string, row backend.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
