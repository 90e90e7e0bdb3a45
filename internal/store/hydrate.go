package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// hydrateBatch bounds how many records one BulkPut transaction carries.
const hydrateBatch = 500

// HydrateJSONL loads newline-delimited JSON records into table through
// BulkPut. It returns the number of records written.
func (s *Store) HydrateJSONL(ctx context.Context, table string, r io.Reader) (int, error) {
	if _, err := s.table(table); err != nil {
		return 0, err
	}

	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	batch := make([]Record, 0, hydrateBatch)
	total := 0
	lineNum := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.BulkPut(ctx, table, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		batch = append(batch, rec)
		if len(batch) == hydrateBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}

	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// HydrateFile is HydrateJSONL over a file path.
func (s *Store) HydrateFile(ctx context.Context, table, path string) (int, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return s.HydrateJSONL(ctx, table, file)
}
