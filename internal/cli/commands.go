package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/app"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/metrics"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, "http")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("startup failed", "err", err)
				return err
			}
			defer func() { _ = a.Close() }()

			version := optionsFrom(cmd).version
			observability.ExposeBuildInfo(version)
			var reg prometheus.Registerer = prometheus.DefaultRegisterer
			if cfg.MetricsAddr != "" {
				p := metrics.Init(metrics.FromApp(cfg, version))
				reg = p.Registerer()
				go func() {
					if err := p.Serve(ctx); err != nil {
						log.Error("metrics server exited", "err", err)
					}
				}()
			}

			log.Info("starting dashboard", "addr", cfg.Addr, "version", version, "db", cfg.DBDriver)
			if err := a.Serve(ctx, reg); err != nil {
				log.Error("server exited with error", "err", err)
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	var (
		at      string
		orphans bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduler pass, refreshing the queries due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, "scheduler")
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rep, err := a.Trigger.Sweep(cmd.Context(), now)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "due=%d refreshed=%d failed=%d invalid=%d\n",
				rep.Due, rep.Refreshed, rep.Failed, rep.Invalid)
			if !orphans {
				return nil
			}
			n, err := cleanupOrphans(cmd.Context(), a)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "orphans=%d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "sweep as of this RFC3339 time instead of now")
	cmd.Flags().BoolVar(&orphans, "orphans", false, "also delete cache rows no page layout references")
	return cmd
}

func cleanupOrphans(ctx context.Context, a *app.App) (int64, error) {
	systems, err := a.Store.ListSystems(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, sys := range systems {
		pages, err := a.Store.ListPages(ctx, sys.ID)
		if err != nil {
			return total, err
		}
		for _, p := range pages {
			n, err := a.Engine.CleanupOrphans(ctx, p.ID)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

func newSyncCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync [system-id...]",
		Short: "Synchronise query definitions with the remote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("give system ids or --all")
			}
			cfg, log, err := setup(cmd, "querysync")
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var ids []int64
			if all {
				systems, err := a.Store.ListSystems(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range systems {
					ids = append(ids, s.ID)
				}
			}
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid system id %q", arg)
				}
				ids = append(ids, id)
			}

			var errs []error
			for _, id := range ids {
				rep, err := a.Sync.SyncSystem(cmd.Context(), id)
				if err != nil {
					errs = append(errs, fmt.Errorf("system %d: %w", id, err))
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "system=%d seen=%d added=%d changed=%d archived=%d\n",
					id, rep.Seen, rep.Added, rep.Changed, rep.Archived)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "synchronise every system")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, "store")
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), store.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN}, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", st.Dialect())
			return nil
		},
	}
}
