package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcpgate/pkg/config"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
)

const defaultConfigPath = "mcpgate.yaml"

// app carries what every subcommand needs once the root has parsed flags.
type app struct {
	configPath     string
	configExplicit bool
	v              *viper.Viper

	cfg    *config.Config
	logger *slog.Logger
	// dialer overrides how backends are reached; nil outside tests.
	dialer mcpmgr.Dialer
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{})
}

func newRootCmdFor(a *app) *cobra.Command {
	a.v = config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "mcpgate",
		Short:         "Multi-tenant MCP gateway with per-call billing",
		Long:          "mcpgate fronts a fleet of MCP tool servers behind one authenticated endpoint, namespacing their tools and charging each call to the caller's account.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.configExplicit = cmd.Flags().Changed("config")
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", defaultConfigPath, "path to the YAML or TOML config file")
	flags.String("storage-driver", "", "ledger driver: sqlite, postgres, or memory")
	flags.String("storage-dsn", "", "ledger DSN or SQLite file path")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = a.v.BindPFlag(config.KeyStorageDrv, flags.Lookup("storage-driver"))
	_ = a.v.BindPFlag(config.KeyStorageDSN, flags.Lookup("storage-dsn"))
	_ = a.v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newAccountsCmd(a),
		newKeysCmd(a),
		newCreditsCmd(a),
		newUsageCmd(a),
		newBackendsCmd(a),
		newTokenCmd(a),
	)
	return rootCmd
}

// load reads .env, the config file, and the env and flag overrides. A missing
// file at the default path falls back to built-in defaults.
func (a *app) load(logOut io.Writer) error {
	_ = godotenv.Load()

	path := a.configPath
	if !a.configExplicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.ApplyOverrides(a.v); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(logOut, cfg)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func (a *app) openStore(ctx context.Context) (ledger.Store, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		return ledger.NewPostgresStore(ctx, a.cfg.Storage.DSN)
	case config.DriverMemory:
		return ledger.NewMemoryStore(), nil
	default:
		return ledger.NewSQLiteStore(a.cfg.Storage.DSN)
	}
}

// withStore opens the ledger for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(ledger.Store) error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	return fn(store)
}
