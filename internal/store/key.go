package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Mschirtzinger/lofi/internal/schema"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Record is one row of a collection.
type Record map[string]any

// DecodeRecord parses a JSON object into a Record. Numbers are kept as
// json.Number so that integer keys beyond float64 precision survive.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record must be a JSON object")
	}
	return rec, nil
}

// Key holds a record's primary key values in schema order.
type Key []any

// KeyOf extracts the primary key of rec for table t.
func KeyOf(t *schema.Table, rec Record) (Key, error) {
	key := make(Key, 0, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		v, ok := rec[col]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, col)
		}
		key = append(key, v)
	}
	return key, nil
}

// encode returns the collection key and the text of its first component,
// which backs GetAllWithPrefix.
func (k Key) encode() (string, string, error) {
	if len(k) == 0 {
		return "", "", ErrMissingKey
	}
	canon := make([]any, len(k))
	for i, v := range k {
		canon[i] = canonical(v)
	}
	full, err := json.Marshal(canon)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode key: %w", err)
	}
	first, err := keyText(canon[0])
	if err != nil {
		return "", "", err
	}
	return string(full), first, nil
}

// canonical maps the numeric forms a key component can arrive in onto one
// value: integers become int64 however they were decoded.
func canonical(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return canonical(f)
		}
		return n.String()
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n)
		}
	case int:
		return int64(n)
	case int32:
		return int64(n)
	}
	return v
}

func keyText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode key component: %w", err)
	}
	return string(b), nil
}

// wireID renders a key the way the protocol carries it.
func (k Key) wireID() (json.RawMessage, error) {
	return wire.FormatID(k)
}

// KeyFromWire decodes a protocol id for table t.
func KeyFromWire(t *schema.Table, raw json.RawMessage) (Key, error) {
	key, err := wire.ParseID(t.PrimaryKey, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingKey, t.Name, err)
	}
	return Key(key), nil
}
