package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/lofi/internal/schema"
)

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schema",
		GroupID: "maint",
		Short:   "Inspect schema files",
	}

	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a schema file",
		Long: `Validate a schema file and print its tables.

With --against, also check that the file is an additive evolution of an
older revision: no table or column removed, primary keys and owner columns
unchanged, and the version not decreased.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := schema.Load(a.path(args[0]))
			if err != nil {
				return err
			}

			u := newUI(a.stdout)
			if against, _ := cmd.Flags().GetString("against"); against != "" {
				prev, err := schema.Load(a.path(against))
				if err != nil {
					return err
				}
				if err := schema.CheckEvolution(prev, next); err != nil {
					return err
				}
				u.ok("Version %d is an additive evolution of version %d", next.Version, prev.Version)
			} else {
				u.ok("Schema version %d is valid", next.Version)
			}

			for _, t := range next.Tables {
				mode := "local"
				if t.Sync {
					mode = "sync, owner " + t.Owner
				}
				u.field(t.Name, fmt.Sprintf("key (%s), %d columns, %s",
					strings.Join(t.PrimaryKey, ", "), len(t.Columns), mode))
			}
			return nil
		},
	}
	check.Flags().String("against", "", "older schema file the new one must extend")

	cmd.AddCommand(check)
	return cmd
}
