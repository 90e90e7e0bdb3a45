package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/lofi/internal/loadtest"
)

func newLoadtestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "loadtest",
		GroupID: "maint",
		Short:   "Measure gateway latency under concurrent clients",
		Long: `Open many websocket clients against a running gateway. Each client sends
puts one at a time, waiting for the ack before the next, and the
send-to-ack latency is reported.

Tokens are assigned to clients round-robin; use several to spread the load
across users.

Example:
  lofi loadtest --url ws://localhost:7420/sync --token t1 --token t2 --clients 50 --ops 200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, _ := cmd.Flags().GetStringSlice("token")
			if len(tokens) == 0 && a.cfg.Client.Token != "" {
				tokens = []string{a.cfg.Client.Token}
			}
			clients, _ := cmd.Flags().GetInt("clients")
			ops, _ := cmd.Flags().GetInt("ops")
			table, _ := cmd.Flags().GetString("table")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			newUI(a.stdout).info("Running %d clients x %d ops against %s", clients, ops, a.cfg.Client.URL)
			stats, err := loadtest.Run(ctx, loadtest.Options{
				URL:          a.cfg.Client.URL,
				Tokens:       tokens,
				Clients:      clients,
				OpsPerClient: ops,
				Table:        table,
			})
			if err != nil {
				return fmt.Errorf("load test failed: %w", err)
			}
			stats.Fprint(a.stdout)
			return nil
		},
	}
	cmd.Flags().String("url", "", "gateway websocket URL")
	cmd.Flags().StringSlice("token", nil, "session token (repeatable)")
	cmd.Flags().Int("clients", 10, "concurrent clients")
	cmd.Flags().Int("ops", 100, "puts per client")
	cmd.Flags().String("table", "todos", "sync table receiving the puts")
	cmd.Flags().Duration("timeout", 5*time.Minute, "abort the run after this long")
	bindFlag(cmd, "url", "client.url")
	return cmd
}
