package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/lofi/internal/config"
	"github.com/Mschirtzinger/lofi/internal/engine"
	"github.com/Mschirtzinger/lofi/internal/transport"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Connect and drain the outbox",
		Long: `Connect to the sync gateway, send every queued operation, and apply the
broadcasts received meanwhile. The command returns once the outbox is empty,
or fails when --timeout passes first; undelivered operations stay queued.

With --follow the connection stays open after the outbox drains and every
broadcast is printed until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			follow, _ := cmd.Flags().GetBool("follow")
			return a.sync(cmd.Context(), timeout, follow)
		},
	}
	cmd.Flags().String("url", "", "gateway websocket URL")
	cmd.Flags().String("token", "", "session token")
	cmd.Flags().Duration("timeout", 30*time.Second, "give up when the outbox has not drained in time")
	cmd.Flags().Bool("follow", false, "keep receiving broadcasts after the outbox drains")
	bindFlag(cmd, "url", "client.url")
	bindFlag(cmd, "token", "client.token")
	addStoreFlags(cmd)
	return cmd
}

func (a *app) sync(parent context.Context, timeout time.Duration, follow bool) error {
	cfg := a.cfg.Client
	if cfg.Token == "" {
		return fmt.Errorf("not logged in: run 'lofi login' or pass --token")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var outMu sync.Mutex
	u := newUI(a.stdout)
	e := engine.New(st, engine.Config{
		URL:            cfg.URL,
		Backoff:        transport.BackoffPolicy{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		RetryTransient: cfg.RetryTransient,
		OnStateChange: func(s transport.State) {
			a.log.Printf("Connection %s", s)
		},
		OnRemoteChange: func(c wire.Change) {
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintf(a.stdout, "%s %s %s %s\n", u.accent.Render("←"), c.Type, c.TableName, describeChange(c))
		},
		Logger: a.log.Named("[engine] "),
	})
	e.Start()
	defer e.Close()

	pending, err := st.OutboxLen(ctx)
	if err != nil {
		return err
	}
	e.Login(cfg.Token)

	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	flushErr := e.Flush(flushCtx)

	if flushErr == nil && follow {
		outMu.Lock()
		u.info("Following %s (Ctrl+C to stop)", cfg.URL)
		outMu.Unlock()
		<-ctx.Done()

		// Close the socket before the store goes away.
		e.Disconnect()
		waitDisconnected(e, 2*time.Second)
	}

	_ = e.Close()
	stats, applied := e.Stats()

	if flushErr != nil {
		if errors.Is(flushErr, context.DeadlineExceeded) {
			left, _ := st.OutboxLen(parent)
			return fmt.Errorf("outbox not drained after %v: %d operations still queued (state %s)",
				timeout, left, e.State())
		}
		return flushErr
	}
	u.ok("Outbox drained: %d queued, %d acked, %d rejected, %d broadcasts applied",
		pending, stats.Acked, stats.Rejected, applied)
	return nil
}

// waitDisconnected polls until the connection is closed or d passes.
func waitDisconnected(e *engine.Engine, d time.Duration) {
	deadline := time.Now().Add(d)
	for e.State().Phase != transport.Disconnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// describeChange renders the record or id of a broadcast.
func describeChange(c wire.Change) string {
	if c.Type == wire.OpDelete {
		return string(c.ID)
	}
	return string(c.Data)
}

func newLoginCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "login",
		GroupID: "sync",
		Short:   "Save the gateway URL and session token",
		Long: `Save the gateway URL and session token to the config file used by sync.

Without --token and with a terminal on stdin, the values are prompted for.
The file is the one given by --config, the one already in use, or
~/.config/lofi/lofi.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := a.cfg.Client.URL
			token, _ := cmd.Flags().GetString("token")

			if token == "" {
				if !isTerminal(a.stdin) {
					return fmt.Errorf("--token is required when stdin is not a terminal")
				}
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title("Gateway URL").
						Value(&url).
						Validate(validateURL),
					huh.NewInput().
						Title("Session token").
						EchoMode(huh.EchoModePassword).
						Value(&token).
						Validate(func(s string) error {
							if strings.TrimSpace(s) == "" {
								return fmt.Errorf("token cannot be empty")
							}
							return nil
						}),
				)).WithInput(a.stdin).WithOutput(a.stderr)
				if err := form.RunWithContext(cmd.Context()); err != nil {
					return fmt.Errorf("login cancelled: %w", err)
				}
			}
			if err := validateURL(url); err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("config")
			path = a.path(path)
			if path == "" {
				dir, err := config.Dir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, config.FileName+".yaml")
			}
			written, err := config.SaveClient(a.v, path, url, strings.TrimSpace(token))
			if err != nil {
				return err
			}
			newUI(a.stdout).ok("Logged in to %s (saved to %s)", url, written)
			return nil
		},
	}
	cmd.Flags().String("url", "", "gateway websocket URL")
	cmd.Flags().String("token", "", "session token")
	bindFlag(cmd, "url", "client.url")
	return cmd
}

func validateURL(s string) error {
	if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		return fmt.Errorf("gateway URL must start with ws:// or wss://, got %q", s)
	}
	return nil
}
