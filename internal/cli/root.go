// Package cli implements the dashboard command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/config"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/logger"
)

type options struct {
	version  string
	logLevel string
	dbDriver string
	dbDSN    string
	seed     string
}

type optionsKey struct{}

func optionsFrom(cmd *cobra.Command) *options {
	if o, ok := cmd.Context().Value(optionsKey{}).(*options); ok {
		return o
	}
	return nil
}

// NewRootCommand builds the dashboard command tree. Configuration comes from
// the environment; flags override individual values.
func NewRootCommand(version string) *cobra.Command {
	opts := &options{version: version}
	cmd := &cobra.Command{
		Use:           "dashboard",
		Short:         "Dashboard back-end caching results of remote research queries",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.SetContext(context.WithValue(context.Background(), optionsKey{}, opts))

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides LOG_LEVEL")
	pf.StringVar(&opts.dbDriver, "db-driver", "", "database driver (sqlite|postgres), overrides DB_DRIVER")
	pf.StringVar(&opts.dbDSN, "db-dsn", "", "database dsn, overrides DB_DSN")
	pf.StringVar(&opts.seed, "seed", "", "seed file (.toml or .yaml), overrides DASHBOARD_SEED")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newSyncCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

// setup resolves configuration and the process logger for a subcommand.
func setup(cmd *cobra.Command, component string) (config.Config, *slog.Logger, error) {
	opts := optionsFrom(cmd)
	if opts == nil {
		return config.Config{}, nil, fmt.Errorf("options missing")
	}
	cfg := config.FromEnv()
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.dbDriver != "" {
		cfg.DBDriver = opts.dbDriver
	}
	if opts.dbDSN != "" {
		cfg.DBDSN = opts.dbDSN
	}
	if opts.seed != "" {
		cfg.SeedFile = opts.seed
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return cfg, nil, fmt.Errorf("database dsn is required")
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Service:   "dashboard",
		Component: component,
	}, os.Stdout)
	return cfg, logger.NewSlog(&zl), nil
}
