package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/lofi/internal/wire"
)

// LocalIntent is a write requested by the application on this device.
// Committing it to a sync table appends an outbox entry.
type LocalIntent struct {
	Table  string
	Type   wire.OpType
	Record Record // put
	Key    Key    // delete
}

// RemoteApply is a converged change received from the server. Applying it
// never appends to the outbox.
type RemoteApply struct {
	Table  string
	Type   wire.OpType
	Record Record // put
	Key    Key    // delete
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, table string, key Key) (Record, error) {
	if _, err := s.table(table); err != nil {
		return nil, err
	}
	k, _, err := key.encode()
	if err != nil {
		return nil, err
	}

	var data string
	query := fmt.Sprintf(`SELECT data FROM %s WHERE key = ?`, collection(table))
	err = s.conn.QueryRowContext(ctx, query, k).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, table, k)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", table, err)
	}
	return decodeRecord(data)
}

// GetAll returns every record of a table ordered by key.
func (s *Store) GetAll(ctx context.Context, table string) ([]Record, error) {
	if _, err := s.table(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT data FROM %s ORDER BY key`, collection(table))
	return s.scanRecords(ctx, query)
}

// GetAllWithPrefix returns the records whose first primary key value, as
// text, starts with prefix.
func (s *Store) GetAllWithPrefix(ctx context.Context, table, prefix string) ([]Record, error) {
	if _, err := s.table(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT data FROM %s WHERE substr(k0, 1, ?) = ? ORDER BY key`, collection(table))
	return s.scanRecords(ctx, query, utf8.RuneCountInString(prefix), prefix)
}

// Query returns the records whose indexed field equals value.
func (s *Store) Query(ctx context.Context, table, index string, value any) ([]Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	if !t.HasIndex(index) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, table, index)
	}
	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s = ? ORDER BY key`, collection(table), jsonField(index))
	return s.scanRecords(ctx, query, value)
}

func (s *Store) scanRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Put writes rec optimistically. For sync tables the returned entry is the
// outbox intent queued in the same transaction; for local tables it is nil.
func (s *Store) Put(ctx context.Context, table string, rec Record) (*Entry, error) {
	return s.Commit(ctx, LocalIntent{Table: table, Type: wire.OpPut, Record: rec})
}

// Delete removes a record optimistically, queueing a delete intent for sync
// tables.
func (s *Store) Delete(ctx context.Context, table string, key Key) (*Entry, error) {
	return s.Commit(ctx, LocalIntent{Table: table, Type: wire.OpDelete, Key: key})
}

// Commit applies an application intent. The record write and, for sync
// tables, the outbox append share one transaction: either both are durable
// or neither is.
func (s *Store) Commit(ctx context.Context, in LocalIntent) (*Entry, error) {
	t, err := s.table(in.Table)
	if err != nil {
		return nil, err
	}
	ch, err := s.prepare(in.Table, in.Type, in.Record, in.Key)
	if err != nil {
		return nil, err
	}

	var entry *Entry
	if t.Sync {
		op := wire.Op{OpID: uuid.NewString(), TableName: in.Table, Type: in.Type}
		if in.Type == wire.OpPut {
			if op.Data, err = json.Marshal(in.Record); err != nil {
				return nil, fmt.Errorf("failed to encode record: %w", err)
			}
		} else {
			if op.ID, err = ch.Key.wireID(); err != nil {
				return nil, fmt.Errorf("failed to encode key: %w", err)
			}
		}
		if entry, err = newEntry(op); err != nil {
			return nil, err
		}
		if len(entry.Payload) > wire.MaxOpSize {
			return nil, fmt.Errorf("%w: %s %s is %d bytes, limit %d",
				wire.ErrTooLarge, in.Type, in.Table, len(entry.Payload), wire.MaxOpSize)
		}
	}

	// Lock order is always collection, then outbox.
	locks := []*sync.Mutex{s.lockFor(in.Table)}
	if entry != nil {
		locks = append(locks, s.lockFor(outboxLock))
	}
	for _, mu := range locks {
		mu.Lock()
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := writeChange(ctx, tx, ch); err != nil {
			return err
		}
		if entry != nil {
			return insertEntry(ctx, tx, entry)
		}
		return nil
	})
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
	if err != nil {
		return nil, err
	}

	s.notify(ch)
	if entry != nil {
		s.enqueued(*entry)
	}
	return entry, nil
}

// ApplyRemote writes a server broadcast into the local collection. It is safe
// for records this client never requested and for repeated delivery.
func (s *Store) ApplyRemote(ctx context.Context, in RemoteApply) error {
	if _, err := s.table(in.Table); err != nil {
		return err
	}
	ch, err := s.prepare(in.Table, in.Type, in.Record, in.Key)
	if err != nil {
		return err
	}
	ch.Remote = true

	mu := s.lockFor(in.Table)
	mu.Lock()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return writeChange(ctx, tx, ch)
	})
	mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(ch)
	return nil
}

// RemoteFromChange converts a broadcast change into a RemoteApply.
func (s *Store) RemoteFromChange(c wire.Change) (RemoteApply, error) {
	t, err := s.table(c.TableName)
	if err != nil {
		return RemoteApply{}, err
	}

	in := RemoteApply{Table: c.TableName, Type: c.Type}
	switch c.Type {
	case wire.OpPut:
		if in.Record, err = DecodeRecord(c.Data); err != nil {
			return RemoteApply{}, fmt.Errorf("invalid %s record: %w", c.TableName, err)
		}
	case wire.OpDelete:
		if in.Key, err = KeyFromWire(t, c.ID); err != nil {
			return RemoteApply{}, err
		}
	default:
		return RemoteApply{}, fmt.Errorf("unknown change type %q", c.Type)
	}
	return in, nil
}

// BulkPut hydrates a collection with records that already exist on the
// server, such as an initial snapshot. Nothing is queued in the outbox.
func (s *Store) BulkPut(ctx context.Context, table string, records []Record) error {
	if _, err := s.table(table); err != nil {
		return err
	}

	changes := make([]Change, 0, len(records))
	for _, rec := range records {
		ch, err := s.prepare(table, wire.OpPut, rec, nil)
		if err != nil {
			return err
		}
		changes = append(changes, ch)
	}

	mu := s.lockFor(table)
	mu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ch := range changes {
			if err := writeChange(ctx, tx, ch); err != nil {
				return err
			}
		}
		return nil
	})
	mu.Unlock()
	if err != nil {
		return err
	}

	for _, ch := range changes {
		s.notify(ch)
	}
	return nil
}

// prepare validates a write and resolves its key.
func (s *Store) prepare(table string, typ wire.OpType, rec Record, key Key) (Change, error) {
	t, err := s.table(table)
	if err != nil {
		return Change{}, err
	}

	ch := Change{Table: table, Type: typ}
	switch typ {
	case wire.OpPut:
		if rec == nil {
			return Change{}, fmt.Errorf("put %s: record is required", table)
		}
		if ch.Key, err = KeyOf(t, rec); err != nil {
			return Change{}, err
		}
		ch.Record = rec
	case wire.OpDelete:
		if len(key) != len(t.PrimaryKey) {
			return Change{}, fmt.Errorf("%w: %s expects %d key values, got %d", ErrMissingKey, table, len(t.PrimaryKey), len(key))
		}
		ch.Key = key
	default:
		return Change{}, fmt.Errorf("unknown operation type %q", typ)
	}
	return ch, nil
}

func writeChange(ctx context.Context, tx *sql.Tx, ch Change) error {
	k, k0, err := ch.Key.encode()
	if err != nil {
		return err
	}

	if ch.Type == wire.OpDelete {
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, collection(ch.Table))
		if _, err := tx.ExecContext(ctx, query, k); err != nil {
			return fmt.Errorf("failed to delete %s record %s: %w", ch.Table, k, err)
		}
		return nil
	}

	data, err := json.Marshal(ch.Record)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", ch.Table, err)
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (key, k0, data) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		k0 = excluded.k0,
		data = excluded.data`, collection(ch.Table))
	if _, err := tx.ExecContext(ctx, query, k, k0, string(data)); err != nil {
		return fmt.Errorf("failed to write %s record %s: %w", ch.Table, k, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func decodeRecord(data string) (Record, error) {
	rec, err := DecodeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
