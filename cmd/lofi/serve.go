package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/lofi/internal/actions"
	"github.com/Mschirtzinger/lofi/internal/auth"
	"github.com/Mschirtzinger/lofi/internal/authstore"
	"github.com/Mschirtzinger/lofi/internal/gateway"
	"github.com/Mschirtzinger/lofi/internal/schema"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "server",
		Short:   "Run the sync gateway",
		Long: `Run the sync gateway over the authoritative store.

The gateway creates or additively migrates one table per sync table in the
schema file, then accepts websocket connections on /sync. Clients
authenticate with a bearer token from server.tokens.

Endpoints:
  ws://<addr>/sync      operations, acks and broadcasts
  http://<addr>/health  JSON health and counters
  http://<addr>/tables  JSON list of synchronized tables

With --watch-schema the schema file is reloaded on change. A revision that
is not an additive evolution of the running schema is logged and ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :7420)")
	cmd.Flags().String("db", "", "authoritative store path")
	cmd.Flags().String("schema", "", "schema file (.yaml or .toml)")
	cmd.Flags().Bool("watch-schema", false, "reload the schema file when it changes")
	cmd.Flags().Bool("global-broadcast", false, "broadcast every change to every client")
	bindFlag(cmd, "addr", "server.addr")
	bindFlag(cmd, "db", "server.db")
	bindFlag(cmd, "schema", "server.schema")
	bindFlag(cmd, "watch-schema", "server.watch_schema")
	bindFlag(cmd, "global-broadcast", "server.global_broadcast")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	cfg := a.cfg.Server
	if len(cfg.Tokens) == 0 {
		a.log.Printf("Warning: server.tokens is empty; every connection will be refused")
	}

	schemaPath := a.path(cfg.Schema)
	s, err := schema.Load(schemaPath)
	if err != nil {
		return err
	}

	db, err := authstore.Open(a.path(cfg.DB), a.log.Named("[authstore] "))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, s); err != nil {
		return err
	}
	reg, err := actions.Generate(db.RawDB(), s)
	if err != nil {
		return err
	}

	scope := gateway.ScopeOwner
	if cfg.GlobalBroadcast {
		scope = gateway.ScopeGlobal
	}
	srv := gateway.NewServer(&gateway.Config{
		Addr:        cfg.Addr,
		TopicBuffer: cfg.TopicBuffer,
		Scope:       scope,
		Logger:      a.log.Named("[gateway] "),
	}, auth.NewTokenAuthenticator(a.cfg.TokenUsers()), reg)

	if err := srv.Start(); err != nil {
		return err
	}
	if cfg.WatchSchema {
		if err := srv.WatchSchema(ctx, db, schemaPath, schema.DefaultDebounce); err != nil {
			_ = srv.Stop()
			return err
		}
	}

	u := newUI(a.stdout)
	u.ok("Sync gateway listening on %s", srv.GetAddr())
	u.field("Schema", fmt.Sprintf("%s (version %d)", schemaPath, s.Version))
	u.field("Tables", reg.Tables())
	u.field("Websocket", fmt.Sprintf("ws://%s/sync", srv.GetAddr()))

	<-ctx.Done()

	u.info("Shutting down sync gateway")
	return srv.Stop()
}
