// Package schema defines the declarative table descriptions that drive lofi.
//
// # Overview
//
// A Schema is a versioned list of tables. Each table names its primary key
// columns (composite keys allowed), its full column list, an optional owner
// column, secondary indexes, and a sync flag. Only tables marked sync take part
// in the outbox and broadcast path; the rest are purely local caches.
//
// The same Schema value is consumed on both sides of the wire:
//
//   - internal/store creates one local collection per table and migrates
//     missing collections and indexes when the version increases
//   - internal/authstore creates the authoritative tables
//   - internal/actions derives the upsert and ownership-checked delete
//     executors for every sync table
//
// # File Format
//
// Schemas are loaded from YAML (.yaml, .yml) or TOML (.toml) files:
//
//	version: 2
//	tables:
//	  - name: todos
//	    primary_key: [id]
//	    columns: [id, content, done, user_id]
//	    owner: user_id
//	    indexes: [user_id]
//	    sync: true
//
// created_at and updated_at are appended to the column list when missing.
//
// # Evolution
//
// Only additive changes are accepted between versions: new tables, new
// columns, new indexes. CheckEvolution reports anything else.
package schema
