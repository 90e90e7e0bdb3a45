// Package wire defines the JSON messages exchanged over the sync connection.
//
// Client to server:
//
//	{"opId": "...", "tableName": "todos", "type": "put", "data": {...}}
//	{"opId": "...", "tableName": "todos", "type": "delete", "id": "t1"}
//
// Server to client:
//
//	{"type": "ack", "opId": "..."}
//	{"type": "sync-error", "opId": "...", "error": "...", "retryable": false}
//	{"type": "sync", "data": {"tableName": "todos", "type": "put", "data": {...}}}
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// OpType is the kind of mutation carried by an operation or broadcast.
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// Valid reports whether t is a known mutation type.
func (t OpType) Valid() bool {
	return t == OpPut || t == OpDelete
}

// MessageType discriminates server to client messages.
type MessageType string

const (
	MessageAck       MessageType = "ack"
	MessageSyncError MessageType = "sync-error"
	MessageSync      MessageType = "sync"
)

var (
	// ErrMalformed is returned for frames that do not decode into a known message.
	ErrMalformed = errors.New("malformed message")

	// ErrTooLarge is returned for operations larger than MaxOpSize.
	ErrTooLarge = errors.New("operation too large")
)

const (
	// MaxOpSize bounds an encoded client operation. Stores refuse to queue
	// larger operations and the gateway rejects them.
	MaxOpSize = 1 << 20

	// MaxFrameSize bounds any frame on the connection. A broadcast carries
	// the record of an operation plus server-maintained columns, so it is
	// allowed to exceed MaxOpSize.
	MaxFrameSize = 2 * MaxOpSize
)

// Op is a client intent as queued in the outbox and sent verbatim.
type Op struct {
	OpID      string          `json:"opId"`
	TableName string          `json:"tableName"`
	Type      OpType          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
}

// Validate checks the envelope; payload validation belongs to the actions.
func (o *Op) Validate() error {
	if o.OpID == "" {
		return fmt.Errorf("%w: opId is required", ErrMalformed)
	}
	if o.TableName == "" {
		return fmt.Errorf("%w: tableName is required", ErrMalformed)
	}
	switch o.Type {
	case OpPut:
		if isNull(o.Data) {
			return fmt.Errorf("%w: put requires data", ErrMalformed)
		}
	case OpDelete:
		if isNull(o.ID) {
			return fmt.Errorf("%w: delete requires id", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrMalformed, o.Type)
	}
	return nil
}

// Ack confirms that the server applied an operation.
type Ack struct {
	Type MessageType `json:"type"`
	OpID string      `json:"opId"`
}

// NewAck builds an ack for opID.
func NewAck(opID string) Ack {
	return Ack{Type: MessageAck, OpID: opID}
}

// SyncError reports that an operation was rejected. Retryable is false for
// validation and authorization failures.
type SyncError struct {
	Type      MessageType `json:"type"`
	OpID      string      `json:"opId"`
	Error     string      `json:"error"`
	Retryable bool        `json:"retryable,omitempty"`
}

// NewSyncError builds a sync-error for opID.
func NewSyncError(opID string, err error, retryable bool) SyncError {
	return SyncError{Type: MessageSyncError, OpID: opID, Error: err.Error(), Retryable: retryable}
}

// Change is a converged mutation as applied by the authoritative store.
type Change struct {
	TableName string          `json:"tableName"`
	Type      OpType          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
}

// Broadcast wraps a Change for fan-out to every subscriber.
type Broadcast struct {
	Type MessageType `json:"type"`
	Data Change      `json:"data"`
}

// NewBroadcast wraps c in a sync message.
func NewBroadcast(c Change) Broadcast {
	return Broadcast{Type: MessageSync, Data: c}
}

// envelope is the union of every server message used for decoding.
type envelope struct {
	Type      MessageType     `json:"type"`
	OpID      string          `json:"opId"`
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
	Data      json.RawMessage `json:"data"`
}

// Decode parses a server frame into *Ack, *SyncError or *Broadcast.
func Decode(frame []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case MessageAck:
		if env.OpID == "" {
			return nil, fmt.Errorf("%w: ack without opId", ErrMalformed)
		}
		return &Ack{Type: env.Type, OpID: env.OpID}, nil

	case MessageSyncError:
		if env.OpID == "" {
			return nil, fmt.Errorf("%w: sync-error without opId", ErrMalformed)
		}
		return &SyncError{Type: env.Type, OpID: env.OpID, Error: env.Error, Retryable: env.Retryable}, nil

	case MessageSync:
		var c Change
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("%w: sync payload: %v", ErrMalformed, err)
		}
		if c.TableName == "" || !c.Type.Valid() {
			return nil, fmt.Errorf("%w: sync payload missing tableName or type", ErrMalformed)
		}
		return &Broadcast{Type: env.Type, Data: c}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, env.Type)
	}
}

// DecodeOp parses and validates a client frame. When the frame is valid JSON
// but fails validation the partially decoded Op is still returned so the
// caller can echo its opId in a sync-error.
func DecodeOp(frame []byte) (*Op, error) {
	var op Op
	if err := json.Unmarshal(frame, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(frame) > MaxOpSize {
		return &op, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(frame), MaxOpSize)
	}
	if err := op.Validate(); err != nil {
		return &op, err
	}
	return &op, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
