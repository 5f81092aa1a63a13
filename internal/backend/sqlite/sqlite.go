// Package sqlite implements the SQL-capable storage engine on top of
// ncruces/go-sqlite3, a SQLite build that runs inside a WebAssembly sandbox.
//
// The database is file-backed (one file per principal, WAL mode) or fully
// in-memory. Tables are created lazily: the first operation against an
// unseen store synthesizes DDL through the schema generator. Row upserts use
// INSERT OR REPLACE keyed on the primary key, and unknown row attributes are
// appended to the table as new columns so schema drift on the server does
// not drop data locally.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/schema"
)

func init() {
	backend.RegisterEngine("sqlite", func(opts backend.Options) (backend.Store, error) {
		return New(opts)
	})
}

// Store is the SQL engine. It implements backend.Store and backend.SQLRunner.
type Store struct {
	reg     *registry.Registry
	catalog *schema.Catalog
	dataDir string
	version int
	logger  *log.Logger

	gate  backend.Gate
	queue *backend.OpQueue

	mu        sync.Mutex
	conn      *sql.DB
	path      string // database file, "" when in-memory
	principal string
	tables    map[string]*tableInfo
}

// tableInfo caches the resolved schema and column set for a created table.
type tableInfo struct {
	store   string
	pk      string
	columns map[string]schema.ColumnType
	order   []string // column order as created, for deterministic inserts
}

// New creates an uninitialized engine. Call Init before use.
func New(opts backend.Options) (*Store, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sqlite] ", log.LstdFlags)
	}
	return &Store{
		reg:     opts.Registry,
		catalog: opts.Catalog,
		dataDir: opts.DataDir,
		version: opts.SchemaVersion,
		logger:  logger,
		queue:   backend.NewOpQueue(),
		tables:  make(map[string]*tableInfo),
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

	s.mu.Lock()
	err := s.initialize(principalID)
	s.mu.Unlock()

	s.gate.Finish(err == nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// initialize opens the database, enforces the schema-version marker and
// leaves table creation to the first operation against each store.
// Caller holds s.mu.
func (s *Store) initialize(principalID string) error {
	s.principal = principalID
	s.tables = make(map[string]*tableInfo)

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	if s.dataDir == "" {
		s.path = ""
	} else {
		if err := os.MkdirAll(s.dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		name := "replica-" + url.PathEscape(principalID) + ".db"
		if principalID == "" {
			name = "replica-anonymous.db"
		}
		s.path = filepath.Join(s.dataDir, name)
	}

	conn, err := s.open()
	if err != nil {
		return err
	}

	var persisted int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&persisted); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if persisted != s.version && persisted != 0 && s.path != "" {
		// Destructive recreation: drop the whole file rather than migrate.
		// The next sync rebuilds everything from server truth.
		s.logger.Printf("schema version %d != %d, recreating %s", persisted, s.version, s.path)
		_ = conn.Close()
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove stale database: %w", err)
			}
		}
		if conn, err = s.open(); err != nil {
			return err
		}
	}

	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", s.version)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to write schema version: %w", err)
	}

	s.conn = conn
	return nil
}

func (s *Store) open() (*sql.DB, error) {
	dsn := "file:" + s.path
	if s.path == "" {
		dsn = "file::memory:"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if s.path == "" {
		// database/sql would otherwise hand each pooled connection its own
		// private in-memory database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	return conn, nil
}

// WhenReady implements backend.Store.
func (s *Store) WhenReady(timeout time.Duration) bool {
	return s.gate.Wait(timeout)
}

// Close implements backend.Store. Checkpoints the WAL before closing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// isClosingErr detects the transient fault that warrants exactly one silent
// reinitialization-and-retry.
func isClosingErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection is closing") ||
		strings.Contains(msg, "interrupted")
}

// withRetry runs op, reinitializing once on a closing fault before retrying.
func (s *Store) withRetry(op func() error) error {
	err := op()
	if !isClosingErr(err) {
		return err
	}

	s.logger.Printf("transient connection fault, reinitializing: %v", err)
	s.mu.Lock()
	rerr := s.initialize(s.principal)
	s.mu.Unlock()
	if rerr != nil {
		return err
	}
	return op()
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

	var rows []backend.Row
	err := s.withRetry(func() error {
		ti, err := s.ensureTable(ctx, store)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", quote(store), quote(ti.pk))
		result, err := s.conn.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer result.Close()
		rows, err = scanRows(result, ti)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read store %s: %w", store, err)
	}
	return rows, nil
}

// Get implements backend.Store. A missing row is (nil, nil).
func (s *Store) Get(ctx context.Context, store string, key any) (backend.Row, error) {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return nil, nil
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	var row backend.Row
	err := s.withRetry(func() error {
		ti, err := s.ensureTable(ctx, store)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1", quote(store), quote(ti.pk))
		result, err := s.conn.QueryContext(ctx, query, backend.NormalizeKey(key))
		if err != nil {
			return err
		}
		defer result.Close()
		rows, err := scanRows(result, ti)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			row = rows[0]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%v: %w", store, key, err)
	}
	return row, nil
}

// Put implements backend.Store.
func (s *Store) Put(ctx context.Context, store string, row backend.Row) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	return s.withRetry(func() error {
		ti, err := s.ensureTable(ctx, store)
		if err != nil {
			return err
		}
		return s.upsert(ctx, s.conn, ti, row)
	})
}

// BulkPut implements backend.Store. The batch is applied in one transaction
// so readers observe all of it or none of it.
func (s *Store) BulkPut(ctx context.Context, store string, rows []backend.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	return s.withRetry(func() error {
		ti, err := s.ensureTable(ctx, store)
		if err != nil {
			return err
		}
		// Column drift is DDL and cannot ride inside the transaction.
		for _, row := range rows {
			if err := s.absorbUnknownColumns(ctx, ti, row); err != nil {
				return err
			}
		}

		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, row := range rows {
			if err := s.upsert(ctx, tx, ti, row); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Delete implements backend.Store. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, store string, key any) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	return s.withRetry(func() error {
		ti, err := s.ensureTable(ctx, store)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(store), quote(ti.pk))
		_, err = s.conn.ExecContext(ctx, query, backend.NormalizeKey(key))
		return err
	})
}

// Clear implements backend.Store.
func (s *Store) Clear(ctx context.Context, store string) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	unlock := s.queue.Lock(store)
	defer unlock()

	return s.withRetry(func() error {
		if _, err := s.ensureTable(ctx, store); err != nil {
			return err
		}
		_, err := s.conn.ExecContext(ctx, "DELETE FROM "+quote(store))
		return err
	})
}

// QuerySQL implements backend.SQLRunner.
func (s *Store) QuerySQL(ctx context.Context, query string, args ...any) ([]backend.Row, error) {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return nil, nil
	}

	var rows []backend.Row
	err := s.withRetry(func() error {
		result, err := s.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer result.Close()
		rows, err = scanRows(result, s.lookupTableForQuery(query))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

// ExecSQL implements backend.SQLRunner.
func (s *Store) ExecSQL(ctx context.Context, query string, args ...any) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	return s.withRetry(func() error {
		_, err := s.conn.ExecContext(ctx, query, args...)
		return err
	})
}

// EnsureStore creates the table for a store ahead of its first operation.
// The query engine calls this before compiling SQL against the table.
func (s *Store) EnsureStore(ctx context.Context, store string) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	return s.withRetry(func() error {
		_, err := s.ensureTable(ctx, store)
		return err
	})
}

// ensureTable performs lazy table creation for an unseen store.
func (s *Store) ensureTable(ctx context.Context, store string) (*tableInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ti, ok := s.tables[store]; ok {
		return ti, nil
	}
	if s.conn == nil {
		return nil, backend.ErrUnavailable
	}

	desc, ok := s.reg.Lookup(store)
	if !ok {
		desc = registry.Descriptor{StoreName: store}
	}

	tableSchema, warning := schema.For(desc, s.catalog)
	if warning != "" {
		s.logger.Printf("WARNING: %s", warning)
	}
	for _, stmt := range schema.DDL(tableSchema) {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create table for %s: %w", store, err)
		}
	}

	ti := &tableInfo{
		store:   store,
		pk:      tableSchema.PrimaryKey(),
		columns: make(map[string]schema.ColumnType, len(tableSchema.Columns)),
	}
	for _, col := range tableSchema.Columns {
		ti.columns[col.Name] = col.Type
		ti.order = append(ti.order, col.Name)
	}

	s.tables[store] = ti
	return ti, nil
}

// absorbUnknownColumns appends columns for row attributes the table has
// never seen, tolerating server-side schema drift.
func (s *Store) absorbUnknownColumns(ctx context.Context, ti *tableInfo, row backend.Row) error {
	var unknown []string
	for name := range row {
		if _, ok := ti.columns[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range unknown {
		if _, ok := ti.columns[name]; ok {
			continue
		}
		colType := inferType(row[name])
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(ti.store), quote(name), colType)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add drifted column %s.%s: %w", ti.store, name, err)
		}
		s.logger.Printf("store %s: absorbed drifted column %s %s", ti.store, name, colType)
		ti.columns[name] = colType
		ti.order = append(ti.order, name)
	}
	return nil
}

func inferType(v any) schema.ColumnType {
	switch v.(type) {
	case map[string]any, []any:
		return schema.TypeJSON
	case bool:
		return schema.TypeBoolean
	case float64, float32, int, int64:
		return schema.TypeDouble
	default:
		return schema.TypeText
	}
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsert writes one row with INSERT OR REPLACE semantics.
func (s *Store) upsert(ctx context.Context, db execer, ti *tableInfo, row backend.Row) error {
	if err := s.absorbUnknownColumns(ctx, ti, row); err != nil {
		return err
	}

	if v, ok := row[ti.pk]; !ok || v == nil {
		return fmt.Errorf("row for store %s is missing primary key %q", ti.store, ti.pk)
	}

	var cols []string
	var marks []string
	var args []any
	for _, name := range ti.order {
		v, ok := row[name]
		if !ok {
			continue
		}
		cols = append(cols, quote(name))
		marks = append(marks, "?")
		args = append(args, bindValue(ti.columns[name], v))
	}

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quote(ti.store), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", ti.store, err)
	}
	return nil
}

// bindValue converts a JSON-shaped value into its SQL binding.
func bindValue(colType schema.ColumnType, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(data)
	case float64:
		switch colType {
		case schema.TypeInteger, schema.TypeBigint:
			if val == float64(int64(val)) {
				return int64(val)
			}
		}
		return val
	default:
		return v
	}
}

// scanRows converts a generic result set back into rows. ti may be nil when
// the source table is unknown (raw QuerySQL); JSON and BOOLEAN restoration
// then falls back to leaving values as scanned.
func scanRows(result *sql.Rows, ti *tableInfo) ([]backend.Row, error) {
	cols, err := result.Columns()
	if err != nil {
		return nil, err
	}

	var rows []backend.Row
	for result.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := result.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(backend.Row, len(cols))
		for i, name := range cols {
			row[name] = restoreValue(ti, name, values[i])
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// restoreValue undoes the encodings applied by bindValue.
func restoreValue(ti *tableInfo, col string, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if ti == nil {
		return v
	}
	switch ti.columns[col] {
	case schema.TypeJSON:
		if s, ok := v.(string); ok && s != "" {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
	case schema.TypeBoolean:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	}
	return v
}

// lookupTableForQuery finds the cached table schema named in a generated
// query so scan restoration can apply. Best-effort string match; a miss just
// skips restoration.
func (s *Store) lookupTableForQuery(query string) *tableInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ti := range s.tables {
		if strings.Contains(query, "FROM "+quote(name)) {
			return ti
		}
	}
	return nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
