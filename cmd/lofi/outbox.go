package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "outbox",
		GroupID: "sync",
		Short:   "List operations waiting to be sent",
		Long: `List the operations queued in the outbox, oldest first.

--since accepts an RFC 3339 timestamp, a Go duration ("90m"), or a phrase
such as "2 hours ago" or "yesterday".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			pending, err := st.Pending(cmd.Context())
			if since, _ := cmd.Flags().GetString("since"); since != "" {
				t, perr := parseSince(since, time.Now())
				if perr != nil {
					return perr
				}
				pending, err = st.PendingSince(cmd.Context(), t)
			}
			if err != nil {
				return err
			}

			u := newUI(a.stdout)
			if len(pending) == 0 {
				u.ok("Outbox is empty")
				return nil
			}
			for _, e := range pending {
				fmt.Fprintf(a.stdout, "%-36s  %-6s  %-16s  %s\n",
					e.OpID, e.Type, e.TableName, u.dim(humanize.Time(e.EnqueuedAt)))
			}
			return nil
		},
	}
	cmd.Flags().String("since", "", "only operations queued at or after this time")
	addStoreFlags(cmd)
	return cmd
}

// parseSince turns a --since value into an absolute time relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show local store and outbox status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			version, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := st.Pending(cmd.Context())
			if err != nil {
				return err
			}

			u := newUI(a.stdout)
			fmt.Fprintln(a.stdout, "Local store")
			u.field("Path", st.Path())
			u.field("Schema", fmt.Sprintf("version %d", version))
			u.field("Tables", len(st.Schema().Tables))
			u.field("Server", a.cfg.Client.URL)
			if a.cfg.Client.Token == "" {
				u.field("Session", "logged out")
			} else {
				u.field("Session", "logged in")
			}

			fmt.Fprintln(a.stdout)
			if len(pending) == 0 {
				u.ok("Outbox is empty")
				return nil
			}
			u.warning("%s pending, oldest queued %s",
				humanize.Comma(int64(len(pending))), humanize.Time(pending[0].EnqueuedAt))
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}
