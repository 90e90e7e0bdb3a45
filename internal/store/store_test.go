package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/lofi/internal/schema"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

func testSchema(t *testing.T, version int, extra ...schema.Table) *schema.Schema {
	t.Helper()
	tables := []schema.Table{
		{
			Name:       "todos",
			PrimaryKey: []string{"id"},
			Columns:    []string{"id", "content", "done", "user_id"},
			Owner:      "user_id",
			Indexes:    []string{"user_id"},
			Sync:       true,
		},
		{
			Name:       "memberships",
			PrimaryKey: []string{"org_id", "user_id"},
			Columns:    []string{"org_id", "user_id", "role"},
			Owner:      "user_id",
			Sync:       true,
		},
		{
			Name:       "drafts",
			PrimaryKey: []string{"id"},
			Columns:    []string{"id", "body"},
		},
	}
	s, err := schema.New(version, append(tables, extra...)...)
	if err != nil {
		t.Fatalf("schema.New() failed: %v", err)
	}
	return s
}

func testStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "lofi.db")
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), testStorePath(t), testSchema(t, 1), quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutQueuesOutboxEntry(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	entry, err := st.Put(ctx, "todos", Record{"id": "t1", "content": "milk", "user_id": "u1"})
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if entry == nil {
		t.Fatal("Put() on sync table returned nil entry")
	}

	got, err := st.Get(ctx, "todos", Key{"t1"})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got["content"] != "milk" {
		t.Errorf("content = %v, want milk", got["content"])
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(Pending()) = %d, want 1", len(pending))
	}
	if pending[0].OpID != entry.OpID {
		t.Errorf("OpID = %q, want %q", pending[0].OpID, entry.OpID)
	}

	op, err := pending[0].Op()
	if err != nil {
		t.Fatalf("Op() failed: %v", err)
	}
	if op.OpID != entry.OpID || op.TableName != "todos" || op.Type != wire.OpPut {
		t.Errorf("Op() = %+v, want put on todos with opId %s", op, entry.OpID)
	}
	var data map[string]any
	if err := json.Unmarshal(op.Data, &data); err != nil {
		t.Fatalf("op data is not JSON: %v", err)
	}
	if data["content"] != "milk" {
		t.Errorf("op data content = %v, want milk", data["content"])
	}
}

func TestPutLocalTableSkipsOutbox(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	entry, err := st.Put(ctx, "drafts", Record{"id": "d1", "body": "hello"})
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if entry != nil {
		t.Errorf("Put() on local table returned entry %+v, want nil", entry)
	}

	n, err := st.OutboxLen(ctx)
	if err != nil {
		t.Fatalf("OutboxLen() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("OutboxLen() = %d, want 0", n)
	}
}

func TestPutRejectsInvalidWrites(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Put(ctx, "nope", Record{"id": "x"}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Put(unknown table) error = %v, want ErrUnknownTable", err)
	}
	if _, err := st.Put(ctx, "todos", Record{"content": "no key"}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Put(no key) error = %v, want ErrMissingKey", err)
	}
	if _, err := st.Put(ctx, "memberships", Record{"org_id": "o1"}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Put(partial composite key) error = %v, want ErrMissingKey", err)
	}

	n, _ := st.OutboxLen(ctx)
	if n != 0 {
		t.Errorf("OutboxLen() = %d after rejected writes, want 0", n)
	}
}

func TestPutRejectsOversizedOperation(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	big := strings.Repeat("x", wire.MaxOpSize)
	if _, err := st.Put(ctx, "todos", Record{"id": "big", "content": big, "user_id": "u1"}); !errors.Is(err, wire.ErrTooLarge) {
		t.Fatalf("Put(oversized) error = %v, want ErrTooLarge", err)
	}
	if _, err := st.Get(ctx, "todos", Key{"big"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(big) error = %v, want ErrNotFound", err)
	}
	if n, _ := st.OutboxLen(ctx); n != 0 {
		t.Errorf("OutboxLen() = %d after oversized put, want 0", n)
	}

	// Local tables never cross the wire and have no limit.
	if _, err := st.Put(ctx, "drafts", Record{"id": "d1", "body": big}); err != nil {
		t.Errorf("Put(oversized local) failed: %v", err)
	}
}

func TestDeleteQueuesWireID(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Put(ctx, "memberships", Record{"org_id": "o1", "user_id": 7, "role": "admin"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	entry, err := st.Delete(ctx, "memberships", Key{"o1", 7})
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if _, err := st.Get(ctx, "memberships", Key{"o1", 7}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	op, err := entry.Op()
	if err != nil {
		t.Fatalf("Op() failed: %v", err)
	}
	if op.Type != wire.OpDelete {
		t.Errorf("Type = %q, want delete", op.Type)
	}
	if string(op.ID) != `["o1",7]` {
		t.Errorf("ID = %s, want [\"o1\",7]", op.ID)
	}

	n, _ := st.OutboxLen(ctx)
	if n != 2 {
		t.Errorf("OutboxLen() = %d, want 2", n)
	}
}

func TestApplyRemoteNeverQueues(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	in := RemoteApply{Table: "todos", Type: wire.OpPut, Record: Record{"id": "t9", "content": "from server", "user_id": "u2"}}
	for i := 0; i < 2; i++ {
		if err := st.ApplyRemote(ctx, in); err != nil {
			t.Fatalf("ApplyRemote() #%d failed: %v", i+1, err)
		}
	}

	got, err := st.Get(ctx, "todos", Key{"t9"})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got["content"] != "from server" {
		t.Errorf("content = %v, want %q", got["content"], "from server")
	}

	all, _ := st.GetAll(ctx, "todos")
	if len(all) != 1 {
		t.Errorf("len(GetAll()) = %d, want 1", len(all))
	}

	n, _ := st.OutboxLen(ctx)
	if n != 0 {
		t.Errorf("OutboxLen() = %d, want 0", n)
	}

	// Deleting a record this client never had is a no-op.
	if err := st.ApplyRemote(ctx, RemoteApply{Table: "todos", Type: wire.OpDelete, Key: Key{"missing"}}); err != nil {
		t.Errorf("ApplyRemote(delete missing) failed: %v", err)
	}
}

func TestRemoteFromChange(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	put := wire.Change{TableName: "todos", Type: wire.OpPut, Data: json.RawMessage(`{"id":"t1","content":"x","user_id":"u1"}`)}
	in, err := st.RemoteFromChange(put)
	if err != nil {
		t.Fatalf("RemoteFromChange(put) failed: %v", err)
	}
	if err := st.ApplyRemote(ctx, in); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	tests := []struct {
		name string
		id   string
		want Key
	}{
		{"array", `["o1",7]`, Key{"o1", float64(7)}},
		{"object", `{"user_id":7,"org_id":"o1"}`, Key{"o1", float64(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := st.RemoteFromChange(wire.Change{TableName: "memberships", Type: wire.OpDelete, ID: json.RawMessage(tt.id)})
			if err != nil {
				t.Fatalf("RemoteFromChange() failed: %v", err)
			}
			if fmt.Sprint(in.Key) != fmt.Sprint(tt.want) {
				t.Errorf("Key = %v, want %v", in.Key, tt.want)
			}
		})
	}

	if _, err := st.RemoteFromChange(wire.Change{TableName: "memberships", Type: wire.OpDelete, ID: json.RawMessage(`"o1"`)}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("RemoteFromChange(short key) error = %v, want ErrMissingKey", err)
	}
	if _, err := st.RemoteFromChange(wire.Change{TableName: "ghosts", Type: wire.OpPut}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("RemoteFromChange(unknown table) error = %v, want ErrUnknownTable", err)
	}
}

func TestNumericKeysMatchAcrossDecoding(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Put(ctx, "todos", Record{"id": 42, "user_id": "u1"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	// A broadcast decodes numbers as float64; it must address the same row.
	if err := st.ApplyRemote(ctx, RemoteApply{Table: "todos", Type: wire.OpPut, Record: Record{"id": float64(42), "content": "converged", "user_id": "u1"}}); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	all, _ := st.GetAll(ctx, "todos")
	if len(all) != 1 {
		t.Fatalf("len(GetAll()) = %d, want 1", len(all))
	}
	if all[0]["content"] != "converged" {
		t.Errorf("content = %v, want converged", all[0]["content"])
	}
}

func TestLargeIntegerKeyMatchesBroadcastDelete(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	rec, err := DecodeRecord([]byte(`{"id": 9007199254740993, "content": "x", "user_id": "u1"}`))
	if err != nil {
		t.Fatalf("DecodeRecord() failed: %v", err)
	}
	if _, err := st.Put(ctx, "todos", rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := st.Get(ctx, "todos", Key{int64(9007199254740993)}); err != nil {
		t.Fatalf("Get(int64 key) failed: %v", err)
	}

	in, err := st.RemoteFromChange(wire.Change{TableName: "todos", Type: wire.OpDelete, ID: json.RawMessage(`9007199254740993`)})
	if err != nil {
		t.Fatalf("RemoteFromChange() failed: %v", err)
	}
	if err := st.ApplyRemote(ctx, in); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if all, _ := st.GetAll(ctx, "todos"); len(all) != 0 {
		t.Errorf("GetAll() = %v after broadcast delete, want empty", all)
	}
}

func TestGetAllWithPrefix(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for _, id := range []string{"proj-1", "proj-2", "other-1", "prój-3"} {
		if err := st.ApplyRemote(ctx, RemoteApply{Table: "todos", Type: wire.OpPut, Record: Record{"id": id, "user_id": "u1"}}); err != nil {
			t.Fatalf("ApplyRemote(%s) failed: %v", id, err)
		}
	}

	tests := []struct {
		prefix string
		want   int
	}{
		{"proj-", 2},
		{"prój", 1},
		{"other", 1},
		{"", 4},
		{"zzz", 0},
	}
	for _, tt := range tests {
		got, err := st.GetAllWithPrefix(ctx, "todos", tt.prefix)
		if err != nil {
			t.Fatalf("GetAllWithPrefix(%q) failed: %v", tt.prefix, err)
		}
		if len(got) != tt.want {
			t.Errorf("GetAllWithPrefix(%q) returned %d records, want %d", tt.prefix, len(got), tt.want)
		}
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	records := []Record{
		{"id": "a", "user_id": "u1"},
		{"id": "b", "user_id": "u2"},
		{"id": "c", "user_id": "u1"},
	}
	if err := st.BulkPut(ctx, "todos", records); err != nil {
		t.Fatalf("BulkPut() failed: %v", err)
	}

	got, err := st.Query(ctx, "todos", "user_id", "u1")
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 2 || got[0]["id"] != "a" || got[1]["id"] != "c" {
		t.Errorf("Query(user_id=u1) = %v, want records a and c", got)
	}

	if _, err := st.Query(ctx, "todos", "content", "x"); !errors.Is(err, ErrUnknownIndex) {
		t.Errorf("Query(undeclared index) error = %v, want ErrUnknownIndex", err)
	}
}

func TestBulkPutSkipsOutbox(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	records := make([]Record, 0, 50)
	for i := 0; i < 50; i++ {
		records = append(records, Record{"id": fmt.Sprintf("t%02d", i), "user_id": "u1"})
	}
	if err := st.BulkPut(ctx, "todos", records); err != nil {
		t.Fatalf("BulkPut() failed: %v", err)
	}

	all, _ := st.GetAll(ctx, "todos")
	if len(all) != 50 {
		t.Errorf("len(GetAll()) = %d, want 50", len(all))
	}
	n, _ := st.OutboxLen(ctx)
	if n != 0 {
		t.Errorf("OutboxLen() = %d, want 0", n)
	}

	// One invalid record aborts the whole batch.
	bad := []Record{{"id": "ok", "user_id": "u1"}, {"user_id": "u1"}}
	if err := st.BulkPut(ctx, "todos", bad); !errors.Is(err, ErrMissingKey) {
		t.Errorf("BulkPut(bad) error = %v, want ErrMissingKey", err)
	}
	if _, err := st.Get(ctx, "todos", Key{"ok"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(ok) error = %v, want ErrNotFound", err)
	}
}

func TestHydrateJSONL(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	var b strings.Builder
	for i := 0; i < hydrateBatch+3; i++ {
		fmt.Fprintf(&b, "{\"id\":\"t%d\",\"user_id\":\"u1\"}\n", i)
	}
	n, err := st.HydrateJSONL(ctx, "todos", strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("HydrateJSONL() failed: %v", err)
	}
	if n != hydrateBatch+3 {
		t.Errorf("HydrateJSONL() = %d, want %d", n, hydrateBatch+3)
	}

	_, err = st.HydrateJSONL(ctx, "todos", strings.NewReader("{\"id\":\"x\",\"user_id\":\"u\"}\n{not json}\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid JSON at record 2") {
		t.Errorf("HydrateJSONL(bad) error = %v, want invalid JSON at record 2", err)
	}

	pending, _ := st.OutboxLen(ctx)
	if pending != 0 {
		t.Errorf("OutboxLen() = %d, want 0", pending)
	}
}

func TestMigrationPreservesData(t *testing.T) {
	ctx := context.Background()
	path := testStorePath(t)

	st, err := Open(ctx, path, testSchema(t, 1), quietLogger())
	if err != nil {
		t.Fatalf("Open(v1) failed: %v", err)
	}
	if _, err := st.Put(ctx, "todos", Record{"id": "t1", "content": "keep me", "user_id": "u1"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	notes := schema.Table{Name: "notes", PrimaryKey: []string{"id"}, Columns: []string{"id", "title", "user_id"}, Owner: "user_id", Indexes: []string{"title"}, Sync: true}
	st, err = Open(ctx, path, testSchema(t, 2, notes), quietLogger())
	if err != nil {
		t.Fatalf("Open(v2) failed: %v", err)
	}
	defer st.Close()

	v, err := st.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}

	got, err := st.Get(ctx, "todos", Key{"t1"})
	if err != nil {
		t.Fatalf("Get() after migration failed: %v", err)
	}
	if got["content"] != "keep me" {
		t.Errorf("content = %v, want %q", got["content"], "keep me")
	}
	n, _ := st.OutboxLen(ctx)
	if n != 1 {
		t.Errorf("OutboxLen() = %d after migration, want 1", n)
	}

	if _, err := st.Put(ctx, "notes", Record{"id": "n1", "title": "hi", "user_id": "u1"}); err != nil {
		t.Fatalf("Put(notes) failed: %v", err)
	}
	found, err := st.Query(ctx, "notes", "title", "hi")
	if err != nil {
		t.Fatalf("Query(notes) failed: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("len(Query(notes)) = %d, want 1", len(found))
	}
}

func TestOpenRejectsDowngrade(t *testing.T) {
	ctx := context.Background()
	path := testStorePath(t)

	st, err := Open(ctx, path, testSchema(t, 3), quietLogger())
	if err != nil {
		t.Fatalf("Open(v3) failed: %v", err)
	}
	st.Close()

	if _, err := Open(ctx, path, testSchema(t, 2), quietLogger()); !errors.Is(err, ErrSchemaDowngrade) {
		t.Errorf("Open(v2) error = %v, want ErrSchemaDowngrade", err)
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	var (
		mu  sync.Mutex
		got []Change
	)
	unsubscribe := st.Subscribe("todos", func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})

	if _, err := st.Put(ctx, "todos", Record{"id": "t1", "user_id": "u1"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := st.ApplyRemote(ctx, RemoteApply{Table: "todos", Type: wire.OpDelete, Key: Key{"t1"}}); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if _, err := st.Put(ctx, "drafts", Record{"id": "d1"}); err != nil {
		t.Fatalf("Put(drafts) failed: %v", err)
	}

	unsubscribe()
	if _, err := st.Put(ctx, "todos", Record{"id": "t2", "user_id": "u1"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("received %d changes, want 2", len(got))
	}
	if got[0].Type != wire.OpPut || got[0].Remote {
		t.Errorf("first change = %+v, want local put", got[0])
	}
	if got[1].Type != wire.OpDelete || !got[1].Remote {
		t.Errorf("second change = %+v, want remote delete", got[1])
	}
}

func TestOutboxOrderAndRemoval(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := st.Put(ctx, "todos", Record{"id": fmt.Sprintf("t%d", i), "user_id": "u1"})
		if err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
		ids = append(ids, e.OpID)
	}

	oldest, err := st.Oldest(ctx)
	if err != nil {
		t.Fatalf("Oldest() failed: %v", err)
	}
	if oldest == nil || oldest.OpID != ids[0] {
		t.Fatalf("Oldest() = %+v, want opId %s", oldest, ids[0])
	}

	removed, err := st.RemoveEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("RemoveEntry() failed: %v", err)
	}
	if !removed {
		t.Error("RemoveEntry() = false, want true")
	}
	removed, err = st.RemoveEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("RemoveEntry(again) failed: %v", err)
	}
	if removed {
		t.Error("RemoveEntry(again) = true, want false")
	}

	oldest, _ = st.Oldest(ctx)
	if oldest == nil || oldest.OpID != ids[1] {
		t.Errorf("Oldest() = %+v, want opId %s", oldest, ids[1])
	}

	st.RemoveEntry(ctx, ids[1])
	st.RemoveEntry(ctx, ids[2])
	oldest, err = st.Oldest(ctx)
	if err != nil {
		t.Fatalf("Oldest() failed: %v", err)
	}
	if oldest != nil {
		t.Errorf("Oldest() = %+v on empty outbox, want nil", oldest)
	}
}

func TestPendingSince(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.Put(ctx, "todos", Record{"id": "old", "user_id": "u1"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	if _, err := st.Put(ctx, "todos", Record{"id": "new", "user_id": "u1"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := st.PendingSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("PendingSince() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(PendingSince()) = %d, want 1", len(got))
	}
	if !strings.Contains(string(got[0].Payload), `"new"`) {
		t.Errorf("PendingSince() payload = %s, want the newer put", got[0].Payload)
	}
}

func TestConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec := Record{"id": fmt.Sprintf("w%d-%d", w, i), "user_id": "u1"}
				if _, err := st.Put(ctx, "todos", rec); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put() failed: %v", err)
	}

	all, _ := st.GetAll(ctx, "todos")
	if len(all) != workers*perWorker {
		t.Errorf("len(GetAll()) = %d, want %d", len(all), workers*perWorker)
	}
	pending, _ := st.Pending(ctx)
	if len(pending) != workers*perWorker {
		t.Errorf("len(Pending()) = %d, want %d", len(pending), workers*perWorker)
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].Seq <= pending[i-1].Seq {
			t.Fatalf("outbox not in sequence order at %d: %d <= %d", i, pending[i].Seq, pending[i-1].Seq)
		}
	}
}

func TestEnqueueHook(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	var hooked []string
	st.SetEnqueueHook(func(e Entry) {
		hooked = append(hooked, e.OpID)
	})

	e, err := st.Put(ctx, "todos", Record{"id": "t1", "user_id": "u1"})
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := st.Put(ctx, "drafts", Record{"id": "d1"}); err != nil {
		t.Fatalf("Put(drafts) failed: %v", err)
	}
	if err := st.ApplyRemote(ctx, RemoteApply{Table: "todos", Type: wire.OpPut, Record: Record{"id": "t2", "user_id": "u1"}}); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	if len(hooked) != 1 || hooked[0] != e.OpID {
		t.Errorf("hook saw %v, want [%s]", hooked, e.OpID)
	}
}
