package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrNotFound is returned by a delete when no row has the key.
	ErrNotFound = errors.New("record not found")

	// ErrNotAuthorized is returned when the row belongs to another user.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUnknownTable is returned for tables absent from the schema.
	ErrUnknownTable = errors.New("unknown table")

	// ErrNotSynced is returned for local-only tables.
	ErrNotSynced = errors.New("table is not synced")

	// ErrInvalidRecord is returned for payloads that do not fit the table.
	ErrInvalidRecord = errors.New("invalid record")
)

// Error is an action failure. Retryable marks failures that may succeed if
// the same operation is sent again, such as a locked database.
type Error struct {
	Op        string // "put" or "delete"
	Table     string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable action failure.
func IsRetryable(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Retryable
}

// classify wraps err, marking storage contention and timeouts as retryable.
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	retryable := errors.Is(err, sqlite3.BUSY) ||
		errors.Is(err, sqlite3.LOCKED) ||
		errors.Is(err, context.DeadlineExceeded)
	return &Error{Op: op, Table: table, Err: err, Retryable: retryable}
}
