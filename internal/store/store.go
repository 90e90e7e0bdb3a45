// Package store implements the client-side Local Store.
//
// The store is a single embedded SQLite database holding one collection per
// schema table plus the outbox collection of pending mutation intents. Writes
// come in through three distinct paths:
//
//   - Commit (Put and Delete): an application intent. For sync tables the
//     record write and the outbox append happen in one transaction.
//   - ApplyRemote: a converged change broadcast by the server. It performs the
//     same record write but never touches the outbox, so applying a broadcast
//     can never echo back to the server.
//   - BulkPut: local hydration of data that already exists on the server.
//
// Subscribers registered with Subscribe are notified after every commit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Mschirtzinger/lofi/internal/schema"
)

var (
	// ErrNotFound is returned by Get when no record has the key.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownTable is returned for tables absent from the schema.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnknownIndex is returned by Query for undeclared indexes.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrMissingKey is returned when a record lacks a primary key field.
	ErrMissingKey = errors.New("missing primary key")

	// ErrSchemaDowngrade is returned when the schema is older than the store.
	ErrSchemaDowngrade = errors.New("schema version is older than the local store")
)

const metaVersionKey = "schema_version"

// Store is the client's durable, versioned record store.
type Store struct {
	conn   *sql.DB
	path   string
	schema *schema.Schema
	logger *log.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]func(Change)
	nextSub uint64

	hookMu    sync.RWMutex
	onEnqueue func(Entry)
}

// Open opens (creating if needed) the store at path and migrates it to s.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, path string, s *schema.Schema, logger *log.Logger) (*Store, error) {
	if s == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	// Immediate transactions take the write lock up front, which lets
	// busy_timeout serialize concurrent writers instead of failing them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping local store: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	st := &Store{
		conn:   conn,
		path:   path,
		schema: s,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		subs:   make(map[string]map[uint64]func(Change)),
	}

	if err := st.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return st, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Schema returns the schema the store was opened with.
func (s *Store) Schema() *schema.Schema {
	return s.schema
}

// Migrate brings the database up to the schema's version.
//
// Missing collections and indexes are created; existing collections are never
// dropped. Opening with an older schema than the one recorded in the store
// fails with ErrSchemaDowngrade.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS _lofi_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	current, err := readVersion(ctx, tx)
	if err != nil {
		return err
	}
	if s.schema.Version < current {
		return fmt.Errorf("%w: schema %d, store %d", ErrSchemaDowngrade, s.schema.Version, current)
	}

	if _, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL UNIQUE,
		table_name TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create outbox: %w", err)
	}

	for i := range s.schema.Tables {
		if err := createCollection(ctx, tx, &s.schema.Tables[i]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO _lofi_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaVersionKey, strconv.Itoa(s.schema.Version)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	if s.schema.Version > current {
		s.logger.Printf("Migrated local store from version %d to %d", current, s.schema.Version)
	}
	return nil
}

// SchemaVersion returns the version recorded by the last migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return readVersion(ctx, s.conn)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVersion(ctx context.Context, q queryer) (int, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM _lofi_meta WHERE key = ?`, metaVersionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", raw, err)
	}
	return v, nil
}

func createCollection(ctx context.Context, tx *sql.Tx, t *schema.Table) error {
	coll := collection(t.Name)

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		k0 TEXT NOT NULL,
		data TEXT NOT NULL
	)`, coll)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", t.Name, err)
	}

	prefixIdx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "ix_%s__k0" ON %s (k0)`, t.Name, coll)
	if _, err := tx.ExecContext(ctx, prefixIdx); err != nil {
		return fmt.Errorf("failed to create prefix index on %s: %w", t.Name, err)
	}

	for _, col := range t.Indexes {
		ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "ix_%s_%s" ON %s (%s)`,
			t.Name, col, coll, jsonField(col))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index %s on %s: %w", col, t.Name, err)
		}
	}
	return nil
}

// collection returns the quoted SQL name of a table's collection.
// Table names are validated identifiers, so quoting is sufficient.
func collection(table string) string {
	return `"c_` + table + `"`
}

// jsonField is the expression indexes and queries use for a record field.
func jsonField(col string) string {
	return `json_extract(data, '$.` + col + `')`
}

// lockFor returns the mutex serializing writes to one collection.
func (s *Store) lockFor(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	return mu
}

func (s *Store) table(name string) (*schema.Table, error) {
	t, ok := s.schema.Table(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
