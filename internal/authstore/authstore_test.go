package authstore

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Mschirtzinger/lofi/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "server.db")
}

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func todos(extraCols ...string) schema.Table {
	return schema.Table{
		Name:       "todos",
		PrimaryKey: []string{"id"},
		Columns:    append([]string{"id", "content", "user_id"}, extraCols...),
		Owner:      "user_id",
		Sync:       true,
	}
}

func mustSchema(t *testing.T, version int, tables ...schema.Table) *schema.Schema {
	t.Helper()
	s, err := schema.New(version, tables...)
	if err != nil {
		t.Fatalf("schema.New() failed: %v", err)
	}
	return s
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db := openTestDB(t, path)
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestMigrate_CreatesSyncTablesOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	local := schema.Table{Name: "drafts", PrimaryKey: []string{"id"}, Columns: []string{"id"}}
	files := schema.Table{
		Name:       "files",
		PrimaryKey: []string{"user_id", "path"},
		Columns:    []string{"user_id", "path", "body"},
		Owner:      "user_id",
		Indexes:    []string{"body"},
		Sync:       true,
	}
	if err := db.Migrate(ctx, mustSchema(t, 1, todos(), files, local)); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	cols, err := db.Columns(ctx, "todos")
	if err != nil {
		t.Fatalf("Columns() failed: %v", err)
	}
	want := []string{"id", "content", "user_id", "created_at", "updated_at"}
	if !slices.Equal(cols, want) {
		t.Errorf("Columns(todos) = %v, want %v", cols, want)
	}

	if cols, _ := db.Columns(ctx, "drafts"); len(cols) != 0 {
		t.Errorf("local table drafts was created on the server: %v", cols)
	}

	var n int
	err = db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name IN ('idx_files_body', 'idx_todos_user_id')`).Scan(&n)
	if err != nil {
		t.Fatalf("failed to count indexes: %v", err)
	}
	if n != 2 {
		t.Errorf("found %d indexes, want 2", n)
	}

	// Composite keys are enforced.
	_, err = db.RawDB().ExecContext(ctx, `INSERT INTO files (user_id, path, body) VALUES (1, 'a', 'x'), (1, 'a', 'y')`)
	if err == nil {
		t.Error("duplicate composite key was accepted")
	}
}

func TestMigrate_AddsColumnsAndKeepsData(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)
	db := openTestDB(t, path)

	if err := db.Migrate(ctx, mustSchema(t, 1, todos())); err != nil {
		t.Fatalf("Migrate(v1) failed: %v", err)
	}
	if _, err := db.RawDB().ExecContext(ctx, `INSERT INTO todos (id, content, user_id) VALUES ('t1', 'milk', 1)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	next := mustSchema(t, 2, todos("priority"))
	next.Tables[0].Indexes = []string{"priority"}
	if err := db.Migrate(ctx, next); err != nil {
		t.Fatalf("Migrate(v2) failed: %v", err)
	}

	cols, _ := db.Columns(ctx, "todos")
	if !slices.Contains(cols, "priority") {
		t.Errorf("Columns(todos) = %v, want priority added", cols)
	}

	var content string
	if err := db.RawDB().QueryRowContext(ctx, `SELECT content FROM todos WHERE id = 't1'`).Scan(&content); err != nil {
		t.Fatalf("existing row lost: %v", err)
	}
	if content != "milk" {
		t.Errorf("content = %q, want milk", content)
	}

	applied, err := db.AppliedSchema(ctx)
	if err != nil {
		t.Fatalf("AppliedSchema() failed: %v", err)
	}
	if applied == nil || applied.Version != 2 {
		t.Errorf("AppliedSchema() = %+v, want version 2", applied)
	}

	// Re-running is idempotent.
	if err := db.Migrate(ctx, next); err != nil {
		t.Errorf("Migrate(v2) again failed: %v", err)
	}
}

func TestMigrate_RejectsDestructiveChange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	if err := db.Migrate(ctx, mustSchema(t, 1, todos("priority"))); err != nil {
		t.Fatalf("Migrate(v1) failed: %v", err)
	}

	err := db.Migrate(ctx, mustSchema(t, 2, todos()))
	if !errors.Is(err, schema.ErrInvalid) {
		t.Errorf("Migrate(dropped column) error = %v, want schema.ErrInvalid", err)
	}

	cols, _ := db.Columns(ctx, "todos")
	if !slices.Contains(cols, "priority") {
		t.Errorf("column priority was dropped: %v", cols)
	}
}

func TestAppliedSchema_Fresh(t *testing.T) {
	db := openTestDB(t, testDBPath(t))
	s, err := db.AppliedSchema(context.Background())
	if err != nil {
		t.Fatalf("AppliedSchema() failed: %v", err)
	}
	if s != nil {
		t.Errorf("AppliedSchema() = %+v on fresh database, want nil", s)
	}
}

func TestQuote(t *testing.T) {
	if got := Quote(`we"ird`); got != `"we""ird"` {
		t.Errorf("Quote() = %s, want \"we\"\"ird\"", got)
	}
	if got := QuoteList([]string{"a", "b"}); got != `"a", "b"` {
		t.Errorf("QuoteList() = %s", got)
	}
}
