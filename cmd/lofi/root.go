package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Mschirtzinger/lofi/internal/config"
	"github.com/Mschirtzinger/lofi/internal/logging"
	"github.com/Mschirtzinger/lofi/internal/schema"
	"github.com/Mschirtzinger/lofi/internal/store"
)

// viperKey annotates a flag with the config key it overrides.
const viperKey = "viper"

// app carries process state shared by every command.
type app struct {
	// dir resolves relative paths from flags and config.
	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	v   *viper.Viper
	cfg *config.Config
	log *logging.Logger
}

func newApp() *app {
	return &app{
		dir:    ".",
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		v:      config.New(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lofi",
		Short: "Local-first sync engine",
		Long: `lofi keeps a local store on each client and synchronizes it with an
authoritative server over a websocket.

Writes land in the local store immediately and are queued in an outbox.
When a session is active the outbox drains one operation at a time to the
sync gateway, which applies it and broadcasts the converged result to every
subscribed client.`,
		// execute prints errors itself.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Close()
			}
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().String("config", "", "config file (default: ./lofi.yaml or ~/.config/lofi/lofi.yaml)")

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "local", Title: "Local store:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	root.AddCommand(
		newServeCmd(a),
		newPutCmd(a),
		newDeleteCmd(a),
		newGetCmd(a),
		newQueryCmd(a),
		newHydrateCmd(a),
		newOutboxCmd(a),
		newSyncCmd(a),
		newLoginCmd(a),
		newStatusCmd(a),
		newSchemaCmd(a),
		newLoadtestCmd(a),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath())
	})
	return root
}

// load reads configuration for the command about to run.
func (a *app) load(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.v.SetConfigFile(a.path(path))
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[viperKey]; len(keys) > 0 && bindErr == nil {
			bindErr = a.v.BindPFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := cfg.Log
	logCfg.File = a.path(logCfg.File)
	a.log = logging.New(logCfg, "[lofi] ", a.stderr)
	return nil
}

// bindFlag ties a flag to a config key; the flag wins when it is set.
func bindFlag(cmd *cobra.Command, flag, key string) {
	_ = cmd.Flags().SetAnnotation(flag, viperKey, []string{key})
}

// path resolves p against the working directory of the app.
func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.dir, p)
}

// openStore opens the client store described by the config.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	s, err := schema.Load(a.path(a.cfg.Client.Schema))
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, a.path(a.cfg.Client.DB), s, a.log.Named("[store] "))
}

// parseKey turns command-line key components into a store key. Integers
// become numbers, everything else stays text.
func parseKey(args []string) store.Key {
	key := make(store.Key, len(args))
	for i, arg := range args {
		if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
			key[i] = n
			continue
		}
		key[i] = arg
	}
	return key
}

// execute runs the CLI with args and prints a failure once, styled.
func execute(ctx context.Context, a *app, args []string) error {
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		newUI(a.stderr).fail("Error: %v", err)
	}
	return err
}
