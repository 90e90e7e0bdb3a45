package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/lofi/internal/store"
)

// addStoreFlags registers the flags every local-store command accepts.
func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "local store path")
	cmd.Flags().String("schema", "", "schema file (.yaml or .toml)")
	bindFlag(cmd, "db", "client.db")
	bindFlag(cmd, "schema", "client.schema")
}

func newPutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "put <table> <json>",
		GroupID: "local",
		Short:   "Write a record to the local store",
		Long: `Write a record to the local store. For a synchronized table the write is
queued in the outbox and sent on the next sync.

Example:
  lofi put todos '{"id": "t1", "content": "buy milk"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := store.DecodeRecord([]byte(args[1]))
			if err != nil {
				return fmt.Errorf("invalid record JSON: %w", err)
			}

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.Put(cmd.Context(), args[0], rec)
			if err != nil {
				return err
			}
			reportWrite(a, args[0], entry)
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <table> <key>...",
		GroupID: "local",
		Short:   "Delete a record from the local store",
		Long: `Delete a record from the local store. A composite primary key is given as
one argument per key column, in schema order. Integer arguments are
treated as numbers.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.Delete(cmd.Context(), args[0], parseKey(args[1:]))
			if err != nil {
				return err
			}
			reportWrite(a, args[0], entry)
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func reportWrite(a *app, table string, entry *store.Entry) {
	u := newUI(a.stdout)
	if entry == nil {
		u.ok("Stored in local table %s", table)
		return
	}
	u.ok("Queued %s %s %s", entry.Type, table, u.dim(entry.OpID))
}

func newGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get <table> [key]...",
		GroupID: "local",
		Short:   "Print records from the local store",
		Long: `Print one record by primary key, or every record of the table when no key
is given. Records are printed as JSON, one per line.

With --prefix only records whose first key column starts with the given
text are printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			if prefix != "" && len(args) > 1 {
				return fmt.Errorf("--prefix cannot be combined with a key")
			}

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			var recs []store.Record
			switch {
			case prefix != "":
				recs, err = st.GetAllWithPrefix(cmd.Context(), args[0], prefix)
			case len(args) == 1:
				recs, err = st.GetAll(cmd.Context(), args[0])
			default:
				var rec store.Record
				rec, err = st.Get(cmd.Context(), args[0], parseKey(args[1:]))
				recs = []store.Record{rec}
			}
			if err != nil {
				return err
			}
			return writeRecords(a.stdout, recs)
		},
	}
	cmd.Flags().String("prefix", "", "only records whose first key column starts with this text")
	addStoreFlags(cmd)
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "query <table> <index> <value>",
		GroupID: "local",
		Short:   "Print records matching an indexed column",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.Query(cmd.Context(), args[0], args[1], parseKey(args[2:])[0])
			if err != nil {
				return err
			}
			return writeRecords(a.stdout, recs)
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func newHydrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hydrate <table> <file.jsonl>",
		GroupID: "local",
		Short:   "Bulk load records without queueing them",
		Long: `Load records from a JSON Lines file straight into the local store. Nothing
is queued in the outbox: hydration seeds a client with data the server
already has.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.HydrateFile(cmd.Context(), args[0], a.path(args[1]))
			if err != nil {
				return err
			}
			newUI(a.stdout).ok("Hydrated %d records into %s", n, args[0])
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

// writeRecords prints recs as compact JSON lines.
func writeRecords(w io.Writer, recs []store.Record) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	_, err := w.Write(buf.Bytes())
	return err
}
