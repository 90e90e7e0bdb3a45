package schema

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

const (
	// CreatedAt is the insertion timestamp column maintained by the server.
	CreatedAt = "created_at"

	// UpdatedAt is the modification timestamp column maintained by the server.
	UpdatedAt = "updated_at"

	// OutboxCollection is the reserved name of the local outbox collection.
	OutboxCollection = "outbox"

	reservedPrefix = "_lofi"
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid schema")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a table, column or
// index name. Identifiers are interpolated into SQL, so the set is strict.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Table describes one record collection.
type Table struct {
	Name       string   `yaml:"name" toml:"name" json:"name"`
	PrimaryKey []string `yaml:"primary_key" toml:"primary_key" json:"primary_key"`
	Columns    []string `yaml:"columns" toml:"columns" json:"columns"`
	Owner      string   `yaml:"owner,omitempty" toml:"owner,omitempty" json:"owner,omitempty"`
	Indexes    []string `yaml:"indexes,omitempty" toml:"indexes,omitempty" json:"indexes,omitempty"`
	Sync       bool     `yaml:"sync" toml:"sync" json:"sync"`
}

// normalize appends the timestamp columns when they are missing.
func (t *Table) normalize() {
	for _, c := range []string{CreatedAt, UpdatedAt} {
		if !t.HasColumn(c) {
			t.Columns = append(t.Columns, c)
		}
	}
}

// Validate checks names, key and owner references.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalid)
	}
	if !ValidIdentifier(t.Name) {
		return fmt.Errorf("%w: table name %q is not a valid identifier", ErrInvalid, t.Name)
	}
	if t.Name == OutboxCollection || strings.HasPrefix(t.Name, reservedPrefix) {
		return fmt.Errorf("%w: table name %q is reserved", ErrInvalid, t.Name)
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("%w: table %s: primary_key is required", ErrInvalid, t.Name)
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !ValidIdentifier(c) {
			return fmt.Errorf("%w: table %s: column %q is not a valid identifier", ErrInvalid, t.Name, c)
		}
		if seen[c] {
			return fmt.Errorf("%w: table %s: duplicate column %q", ErrInvalid, t.Name, c)
		}
		seen[c] = true
	}

	for _, k := range t.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("%w: table %s: primary key column %q is not a column", ErrInvalid, t.Name, k)
		}
		if k == CreatedAt || k == UpdatedAt {
			return fmt.Errorf("%w: table %s: %s cannot be part of the primary key", ErrInvalid, t.Name, k)
		}
	}

	if t.Owner != "" && !seen[t.Owner] {
		return fmt.Errorf("%w: table %s: owner column %q is not a column", ErrInvalid, t.Name, t.Owner)
	}
	if t.Sync && t.Owner == "" {
		return fmt.Errorf("%w: table %s: sync tables must declare an owner column", ErrInvalid, t.Name)
	}

	for _, idx := range t.Indexes {
		if !seen[idx] {
			return fmt.Errorf("%w: table %s: index column %q is not a column", ErrInvalid, t.Name, idx)
		}
	}

	return nil
}

// HasColumn reports whether c is one of the table's columns.
func (t *Table) HasColumn(c string) bool {
	return slices.Contains(t.Columns, c)
}

// IsKey reports whether c is part of the primary key.
func (t *Table) IsKey(c string) bool {
	return slices.Contains(t.PrimaryKey, c)
}

// HasIndex reports whether idx is a declared secondary index.
func (t *Table) HasIndex(idx string) bool {
	return slices.Contains(t.Indexes, idx)
}

// UpdateColumns returns the columns rewritten on a primary key conflict:
// every column except the key columns and created_at.
func (t *Table) UpdateColumns() []string {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if t.IsKey(c) || c == CreatedAt {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// Schema is a versioned set of tables.
type Schema struct {
	Version int     `yaml:"version" toml:"version" json:"version"`
	Tables  []Table `yaml:"tables" toml:"tables" json:"tables"`
}

// New builds a normalized, validated schema.
func New(version int, tables ...Table) (*Schema, error) {
	s := &Schema{Version: version, Tables: tables}
	if err := s.Normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Normalize fills in implicit columns and validates the result.
func (s *Schema) Normalize() error {
	for i := range s.Tables {
		s.Tables[i].Columns = slices.Clone(s.Tables[i].Columns)
		s.Tables[i].normalize()
	}
	return s.Validate()
}

// Validate checks every table and rejects duplicates.
func (s *Schema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("%w: version must be at least 1 (got %d)", ErrInvalid, s.Version)
	}
	seen := make(map[string]bool, len(s.Tables))
	for i := range s.Tables {
		t := &s.Tables[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate table %q", ErrInvalid, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Table looks up a table by name.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// SyncTables returns the tables that participate in synchronization.
func (s *Schema) SyncTables() []*Table {
	var out []*Table
	for i := range s.Tables {
		if s.Tables[i].Sync {
			out = append(out, &s.Tables[i])
		}
	}
	return out
}
