package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseID decodes the id of a delete for a table keyed by primaryKey.
// Single-column keys accept a bare value; composite keys accept an array in
// key order or an object keyed by column name. Numbers are returned as
// json.Number so integer keys survive the round trip exactly.
func ParseID(primaryKey []string, raw json.RawMessage) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: invalid id: %v", ErrMalformed, err)
	}

	var key []any
	switch id := v.(type) {
	case []any:
		key = id
	case map[string]any:
		for _, col := range primaryKey {
			kv, ok := id[col]
			if !ok {
				return nil, fmt.Errorf("%w: id is missing %s", ErrMalformed, col)
			}
			key = append(key, kv)
		}
	case nil:
		return nil, fmt.Errorf("%w: id is null", ErrMalformed)
	default:
		key = []any{id}
	}

	if len(key) != len(primaryKey) {
		return nil, fmt.Errorf("%w: expected %d key values, got %d", ErrMalformed, len(primaryKey), len(key))
	}
	for i, kv := range key {
		switch kv.(type) {
		case nil:
			return nil, fmt.Errorf("%w: key column %s is null", ErrMalformed, primaryKey[i])
		case []any, map[string]any:
			return nil, fmt.Errorf("%w: key column %s must be a scalar", ErrMalformed, primaryKey[i])
		}
	}
	return key, nil
}

// FormatID renders key values as a protocol id: a bare value for single
// column keys, an array for composite keys.
func FormatID(key []any) (json.RawMessage, error) {
	if len(key) == 1 {
		return json.Marshal(key[0])
	}
	return json.Marshal(key)
}
