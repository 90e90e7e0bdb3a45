package schema

import (
	"fmt"
	"slices"
)

// CheckEvolution verifies that next is an additive evolution of prev.
//
// Tables, columns and indexes may be added. Removing a table or column,
// changing a primary key, owner column or sync flag, or lowering the version
// is rejected. An unchanged schema with an equal version is accepted.
func CheckEvolution(prev, next *Schema) error {
	if next.Version < prev.Version {
		return fmt.Errorf("%w: version decreased from %d to %d", ErrInvalid, prev.Version, next.Version)
	}

	changed := len(next.Tables) != len(prev.Tables)
	for i := range prev.Tables {
		old := &prev.Tables[i]
		cur, ok := next.Table(old.Name)
		if !ok {
			return fmt.Errorf("%w: table %s was removed", ErrInvalid, old.Name)
		}
		if !slices.Equal(old.PrimaryKey, cur.PrimaryKey) {
			return fmt.Errorf("%w: table %s: primary key changed from %v to %v", ErrInvalid, old.Name, old.PrimaryKey, cur.PrimaryKey)
		}
		if old.Owner != cur.Owner {
			return fmt.Errorf("%w: table %s: owner column changed from %q to %q", ErrInvalid, old.Name, old.Owner, cur.Owner)
		}
		if old.Sync != cur.Sync {
			return fmt.Errorf("%w: table %s: sync flag changed", ErrInvalid, old.Name)
		}
		for _, c := range old.Columns {
			if !cur.HasColumn(c) {
				return fmt.Errorf("%w: table %s: column %s was removed", ErrInvalid, old.Name, c)
			}
		}
		for _, idx := range old.Indexes {
			if !cur.HasIndex(idx) {
				return fmt.Errorf("%w: table %s: index %s was removed", ErrInvalid, old.Name, idx)
			}
		}
		if len(cur.Columns) != len(old.Columns) || len(cur.Indexes) != len(old.Indexes) {
			changed = true
		}
	}

	if changed && next.Version == prev.Version {
		return fmt.Errorf("%w: schema changed without a version increase (still %d)", ErrInvalid, next.Version)
	}
	return nil
}
