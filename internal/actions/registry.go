package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Mschirtzinger/lofi/internal/auth"
	"github.com/Mschirtzinger/lofi/internal/schema"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Action applies one operation on behalf of an authenticated user and
// returns the converged change to broadcast.
type Action func(ctx context.Context, id auth.Identity, payload json.RawMessage) (wire.Change, error)

// Registry holds the actions of every sync table of one schema version.
// It is immutable once built.
type Registry struct {
	schema    *schema.Schema
	executors map[string]*Executor
}

// Generate builds the registry for s against db.
func Generate(db *sql.DB, s *schema.Schema) (*Registry, error) {
	r := &Registry{
		schema:    s,
		executors: make(map[string]*Executor),
	}
	for _, t := range s.SyncTables() {
		x, err := NewExecutor(db, *t)
		if err != nil {
			return nil, fmt.Errorf("failed to build actions for %s: %w", t.Name, err)
		}
		r.executors[t.Name] = x
	}
	return r, nil
}

// Schema returns the schema the registry was generated from.
func (r *Registry) Schema() *schema.Schema {
	return r.schema
}

// Tables returns the sync table names in sorted order.
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the action for (table, typ).
func (r *Registry) Lookup(table string, typ wire.OpType) (Action, error) {
	x, ok := r.executors[table]
	if !ok {
		if _, exists := r.schema.Table(table); exists {
			return nil, &Error{Op: string(typ), Table: table, Err: ErrNotSynced}
		}
		return nil, &Error{Op: string(typ), Table: table, Err: ErrUnknownTable}
	}
	switch typ {
	case wire.OpPut:
		return x.Upsert, nil
	case wire.OpDelete:
		return x.Delete, nil
	default:
		return nil, &Error{Op: string(typ), Table: table, Err: fmt.Errorf("%w: unknown operation type %q", ErrInvalidRecord, typ)}
	}
}

// Apply validates op and runs its action.
func (r *Registry) Apply(ctx context.Context, id auth.Identity, op *wire.Op) (wire.Change, error) {
	action, err := r.Lookup(op.TableName, op.Type)
	if err != nil {
		return wire.Change{}, err
	}
	payload := op.Data
	if op.Type == wire.OpDelete {
		payload = op.ID
	}
	return action(ctx, id, payload)
}
