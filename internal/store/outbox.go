package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Entry is one pending intent in the outbox. Payload is the exact wire.Op
// that will be sent, including its opId.
type Entry struct {
	Seq        int64
	OpID       string
	TableName  string
	Type       wire.OpType
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

func newEntry(op wire.Op) (*Entry, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outbox entry: %w", err)
	}
	return &Entry{
		OpID:       op.OpID,
		TableName:  op.TableName,
		Type:       op.Type,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Op decodes the queued operation.
func (e *Entry) Op() (*wire.Op, error) {
	var op wire.Op
	if err := json.Unmarshal(e.Payload, &op); err != nil {
		return nil, fmt.Errorf("failed to decode outbox entry %s: %w", e.OpID, err)
	}
	return &op, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	res, err := tx.ExecContext(ctx, `
	INSERT INTO outbox (op_id, table_name, type, payload, enqueued_at)
	VALUES (?, ?, ?, ?, ?)`,
		e.OpID, e.TableName, string(e.Type), string(e.Payload), e.EnqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append outbox entry: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	return nil
}

// Oldest returns the first entry in enqueue order, or nil when the outbox is
// empty.
func (s *Store) Oldest(ctx context.Context) (*Entry, error) {
	entries, err := s.scanEntries(ctx, `
	SELECT seq, op_id, table_name, type, payload, enqueued_at
	FROM outbox ORDER BY seq LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Pending returns every queued entry in enqueue order.
func (s *Store) Pending(ctx context.Context) ([]Entry, error) {
	return s.scanEntries(ctx, `
	SELECT seq, op_id, table_name, type, payload, enqueued_at
	FROM outbox ORDER BY seq`)
}

// PendingSince returns the queued entries enqueued at or after since.
func (s *Store) PendingSince(ctx context.Context, since time.Time) ([]Entry, error) {
	all, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if !e.EnqueuedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// OutboxLen returns the number of queued entries.
func (s *Store) OutboxLen(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// RemoveEntry deletes the entry for opID. Removing an unknown opID is not an
// error because acknowledgments may be delivered more than once.
func (s *Store) RemoveEntry(ctx context.Context, opID string) (bool, error) {
	mu := s.lockFor(outboxLock)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID)
	if err != nil {
		return false, fmt.Errorf("failed to remove outbox entry %s: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove outbox entry %s: %w", opID, err)
	}
	return n > 0, nil
}

// SetEnqueueHook registers fn to run after every committed outbox append.
func (s *Store) SetEnqueueHook(fn func(Entry)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onEnqueue = fn
}

func (s *Store) enqueued(e Entry) {
	s.hookMu.RLock()
	fn := s.onEnqueue
	s.hookMu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// outboxLock names the outbox mutex; "outbox" is reserved as a table name.
const outboxLock = "outbox"

func (s *Store) scanEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			typ        string
			payload    string
			enqueuedAt string
		)
		if err := rows.Scan(&e.Seq, &e.OpID, &e.TableName, &typ, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Type = wire.OpType(typ)
		e.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return entries, nil
}
