// Package actions turns table schemas into authorization-checked write
// operations against the authoritative store.
//
// There is no code generation step: an Executor is built once per sync table
// from its schema and prepares the parameterized SQL for that table. Column
// names come from the validated schema and are quoted; values are always
// bound as parameters.
package actions

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mschirtzinger/lofi/internal/auth"
	"github.com/Mschirtzinger/lofi/internal/authstore"
	"github.com/Mschirtzinger/lofi/internal/schema"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Executor runs the upsert and delete actions of one sync table.
type Executor struct {
	db    *sql.DB
	table schema.Table
	now   func() time.Time

	upsertSQL string
	deleteSQL string
	existsSQL string
}

// NewExecutor prepares the actions for t, which must be a sync table with an
// owner column.
func NewExecutor(db *sql.DB, t schema.Table) (*Executor, error) {
	if !t.Sync {
		return nil, fmt.Errorf("%w: %s", ErrNotSynced, t.Name)
	}
	if t.Owner == "" {
		return nil, fmt.Errorf("table %s has no owner column", t.Name)
	}

	x := &Executor{db: db, table: t, now: time.Now}

	name := authstore.Quote(t.Name)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")

	updates := make([]string, 0, len(t.Columns))
	for _, c := range t.UpdateColumns() {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", authstore.Quote(c), authstore.Quote(c)))
	}
	// The conflict update only applies to rows the caller already owns; a
	// key held by another user yields no returned row.
	owner := authstore.Quote(t.Owner)
	x.upsertSQL = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
	ON CONFLICT (%s) DO UPDATE SET %s
	WHERE %s.%s = excluded.%s
	RETURNING %s`,
		name, authstore.QuoteList(t.Columns), placeholders,
		authstore.QuoteList(t.PrimaryKey), strings.Join(updates, ", "),
		name, owner, owner,
		authstore.Quote(schema.CreatedAt))

	where := make([]string, 0, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		where = append(where, authstore.Quote(k)+" = ?")
	}
	keyMatch := strings.Join(where, " AND ")
	x.deleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE %s AND %s = ?`, name, keyMatch, authstore.Quote(t.Owner))
	x.existsSQL = fmt.Sprintf(`SELECT 1 FROM %s WHERE %s`, name, keyMatch)

	return x, nil
}

// Table returns the table the executor writes.
func (x *Executor) Table() schema.Table {
	return x.table
}

// Upsert inserts data or, on a primary key conflict, rewrites every
// non-key column except created_at. The owner column is always set to the
// caller, and a conflicting row owned by someone else is left untouched and
// reported as ErrNotAuthorized. The returned change carries the record as
// stored.
func (x *Executor) Upsert(ctx context.Context, id auth.Identity, data json.RawMessage) (wire.Change, error) {
	rec, err := x.decodeRecord(data)
	if err != nil {
		return wire.Change{}, &Error{Op: "put", Table: x.table.Name, Err: err}
	}

	ts := x.now().UTC().Format(time.RFC3339Nano)
	rec[x.table.Owner] = id.OwnerValue()
	rec[schema.UpdatedAt] = ts
	if v, ok := rec[schema.CreatedAt]; !ok || v == nil {
		rec[schema.CreatedAt] = ts
	}

	for _, k := range x.table.PrimaryKey {
		if v, ok := rec[k]; !ok || v == nil {
			return wire.Change{}, &Error{Op: "put", Table: x.table.Name,
				Err: fmt.Errorf("%w: primary key column %s is required", ErrInvalidRecord, k)}
		}
	}

	args := make([]any, len(x.table.Columns))
	for i, c := range x.table.Columns {
		if args[i], err = bindValue(rec[c]); err != nil {
			return wire.Change{}, &Error{Op: "put", Table: x.table.Name,
				Err: fmt.Errorf("%w: column %s: %v", ErrInvalidRecord, c, err)}
		}
	}

	var createdAt any
	err = x.db.QueryRowContext(ctx, x.upsertSQL, args...).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Change{}, &Error{Op: "put", Table: x.table.Name, Err: ErrNotAuthorized}
	}
	if err != nil {
		return wire.Change{}, classify("put", x.table.Name, fmt.Errorf("failed to upsert: %w", err))
	}
	rec[schema.CreatedAt] = createdAt

	final, err := json.Marshal(rec)
	if err != nil {
		return wire.Change{}, classify("put", x.table.Name, fmt.Errorf("failed to encode record: %w", err))
	}
	return wire.Change{TableName: x.table.Name, Type: wire.OpPut, Data: final}, nil
}

// Delete removes the row with the given id if the caller owns it. It fails
// with ErrNotFound when no row has the id and with ErrNotAuthorized when the
// row belongs to someone else; in both cases nothing is changed.
func (x *Executor) Delete(ctx context.Context, id auth.Identity, rawID json.RawMessage) (wire.Change, error) {
	key, err := wire.ParseID(x.table.PrimaryKey, rawID)
	if err != nil {
		return wire.Change{}, &Error{Op: "delete", Table: x.table.Name, Err: fmt.Errorf("%w: %v", ErrInvalidRecord, err)}
	}

	args := make([]any, 0, len(key)+1)
	for _, kv := range key {
		v, err := bindValue(kv)
		if err != nil {
			return wire.Change{}, &Error{Op: "delete", Table: x.table.Name, Err: fmt.Errorf("%w: %v", ErrInvalidRecord, err)}
		}
		args = append(args, v)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.Change{}, classify("delete", x.table.Name, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, x.deleteSQL, append(args, id.OwnerValue())...)
	if err != nil {
		return wire.Change{}, classify("delete", x.table.Name, fmt.Errorf("failed to delete: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wire.Change{}, classify("delete", x.table.Name, err)
	}

	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, x.existsSQL, args...).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return wire.Change{}, &Error{Op: "delete", Table: x.table.Name, Err: ErrNotFound}
		case err != nil:
			return wire.Change{}, classify("delete", x.table.Name, fmt.Errorf("failed to check ownership: %w", err))
		default:
			return wire.Change{}, &Error{Op: "delete", Table: x.table.Name, Err: ErrNotAuthorized}
		}
	}

	if err := tx.Commit(); err != nil {
		return wire.Change{}, classify("delete", x.table.Name, fmt.Errorf("failed to commit delete: %w", err))
	}

	normalized, err := wire.FormatID(key)
	if err != nil {
		return wire.Change{}, classify("delete", x.table.Name, err)
	}
	return wire.Change{TableName: x.table.Name, Type: wire.OpDelete, ID: normalized}, nil
}

// decodeRecord parses a put payload, rejecting fields that are not columns.
func (x *Executor) decodeRecord(data json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: record must be an object", ErrInvalidRecord)
	}
	for field := range rec {
		if !x.table.HasColumn(field) {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidRecord, field)
		}
	}
	return rec, nil
}

// bindValue converts a decoded JSON value into a SQLite parameter. Numbers
// keep integer precision; objects and arrays are stored as JSON text.
func bindValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int64:
		return val, nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		return val.Float64()
	case float64:
		if val == float64(int64(val)) {
			return int64(val), nil
		}
		return val, nil
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}
