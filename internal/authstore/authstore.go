// Package authstore is the server's authoritative record store.
//
// Every sync table of the schema is a real SQLite table with one column per
// schema column and the schema's primary key. Columns are declared without a
// type, so values keep the dynamic type they were written with; nested JSON
// objects and arrays are stored as JSON text.
//
// The database runs in WAL mode so that broadcasts and reads proceed while a
// writer holds the lock, and busy_timeout makes concurrent writers wait for
// each other instead of failing immediately.
package authstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Mschirtzinger/lofi/internal/schema"
)

// DB wraps the authoritative database connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := authstore.Open("data/lofi.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[authstore] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close performs a WAL checkpoint and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Migrate creates or extends the sync tables of s.
//
// The schema applied last is remembered in the database; s must be an
// additive evolution of it (see schema.CheckEvolution). Missing tables,
// columns and indexes are created. Nothing is ever dropped. This is
// idempotent - safe to call on every start.
func (db *DB) Migrate(ctx context.Context, s *schema.Schema) error {
	tx, err := db.conn.BeginTx(ctx, nil)
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

	prev, err := loadSchema(ctx, tx)
	if err != nil {
		return err
	}
	if prev != nil {
		if err := schema.CheckEvolution(prev, s); err != nil {
			return fmt.Errorf("refusing to migrate: %w", err)
		}
	}

	for _, t := range s.SyncTables() {
		if err := migrateTable(ctx, tx, t); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO _lofi_meta (key, value) VALUES ('schema', ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(raw)); err != nil {
		return fmt.Errorf("failed to record schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	if prev == nil {
		db.logger.Printf("Initialized schema version %d", s.Version)
	} else if s.Version > prev.Version {
		db.logger.Printf("Migrated schema from version %d to %d", prev.Version, s.Version)
	}
	return nil
}

// AppliedSchema returns the schema recorded by the last Migrate, or nil.
func (db *DB) AppliedSchema(ctx context.Context) (*schema.Schema, error) {
	return loadSchema(ctx, db.conn)
}

// Columns returns the column names of table in declaration order.
func (db *DB) Columns(ctx context.Context, table string) ([]string, error) {
	return columns(ctx, db.conn, table)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSchema(ctx context.Context, q querier) (*schema.Schema, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM _lofi_meta WHERE key = 'schema'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		// The meta table does not exist before the first migration.
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read applied schema: %w", err)
	}
	var s schema.Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode applied schema: %w", err)
	}
	return &s, nil
}

func migrateTable(ctx context.Context, tx *sql.Tx, t *schema.Table) error {
	existing, err := columns(ctx, tx, t.Name)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, Quote(c))
		}
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))`,
			Quote(t.Name), strings.Join(cols, ", "), QuoteList(t.PrimaryKey))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
	} else {
		have := make(map[string]bool, len(existing))
		for _, c := range existing {
			have[c] = true
		}
		for _, c := range t.Columns {
			if have[c] {
				continue
			}
			ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, Quote(t.Name), Quote(c))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", t.Name, c, err)
			}
		}
	}

	indexed := append([]string{t.Owner}, t.Indexes...)
	seen := make(map[string]bool, len(indexed))
	for _, col := range indexed {
		if col == "" || seen[col] || t.IsKey(col) && len(t.PrimaryKey) == 1 {
			continue
		}
		seen[col] = true
		ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			Quote("idx_"+t.Name+"_"+col), Quote(t.Name), Quote(col))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index on %s.%s: %w", t.Name, col, err)
		}
	}
	return nil
}

func columns(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return cols, nil
}

// Quote quotes a validated identifier for interpolation into SQL.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteList quotes and comma-joins identifiers.
func QuoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = Quote(id)
	}
	return strings.Join(quoted, ", ")
}
