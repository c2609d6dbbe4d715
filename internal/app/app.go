// Package app wires configuration into the running components.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/secondary"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/config"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/router"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/server"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/hotness"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/invalidation"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querycache"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querysync"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/schedule"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/seed"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
	"github.com/mohammed-shakir/dashboard-query-cache/pkg/invalidation/kafka"
)

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Engine    *querycache.Engine
	Sync      *querysync.Syncer
	Trigger   *schedule.Trigger
	Publisher invalidation.Publisher

	redis *redisstore.Client
}

// New opens the database and builds every component. The schema is
// migrated and the seed file, if configured, applied.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(ctx, store.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN}, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: st}
	if err := st.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	sec, err := a.secondaryStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	dialer := remote.NewDialer(httpclient.NewOutbound(cfg.RemoteTimeout), logger, remote.Options{
		PollBase:     cfg.PollBase,
		PollMax:      cfg.PollMax,
		PollDeadline: cfg.PollDeadline,
		MaxAttempts:  cfg.PollAttempts,
		OnToken: func(ctx context.Context, systemID int64, token string) {
			if err := st.UpdateSystemToken(ctx, systemID, token); err != nil {
				logger.Warn("store refreshed token", "system", systemID, "err", err)
			}
		},
	})

	var adm *hotness.Admission
	if cfg.Secondary.AdmitThreshold > 0 {
		adm = &hotness.Admission{
			Hot:       hotness.New(cfg.Secondary.HalfLife),
			Threshold: cfg.Secondary.AdmitThreshold,
		}
	}
	a.Engine = querycache.New(st, querycache.SessionDialer(dialer), sec, logger, querycache.Config{
		PollBase:      cfg.PollBase,
		PollMax:       cfg.PollMax,
		ClaimTTL:      2 * cfg.RemoteTimeout,
		FlightTimeout: cfg.PollDeadline + 2*cfg.RemoteTimeout,
		Admission:     adm,
	})

	a.Publisher = invalidation.Nop{}
	inv := cfg.Invalidation
	if inv.Enabled && inv.Driver == string(kafka.DriverKafka) {
		pub, err := invalidation.NewKafkaPublisher(inv.BrokerList(), inv.Topic, inv.Queue, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Publisher = pub
	}

	a.Sync = querysync.New(st, querysync.SessionDialer(dialer), a.Engine, a.Publisher, logger)
	a.Trigger = schedule.NewTrigger(st, a.Engine, logger, cfg.Location())

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if err := seed.Apply(ctx, st, a.Engine, f); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("apply seed %s: %w", cfg.SeedFile, err)
		}
		logger.Info("seed applied", "file", cfg.SeedFile, "systems", len(f.Systems))
	}
	return a, nil
}

func (a *App) secondaryStore(ctx context.Context) (secondary.Store, error) {
	sc := a.Config.Secondary
	switch sc.Mode {
	case "redis":
		cli, err := redisstore.New(ctx, a.Config.RedisAddr,
			redisstore.WithReadTimeout(a.Config.CacheOpTimeout),
			redisstore.WithWriteTimeout(a.Config.CacheOpTimeout))
		if err != nil {
			return nil, err
		}
		a.redis = cli
		return secondary.NewRedis(cli, "dashboard", sc.TTL), nil
	case "none":
		return secondary.Nop{}, nil
	default:
		return secondary.NewLRU(sc.Size, sc.TTL), nil
	}
}

func (a *App) Handler(ready *kafka.Runner) http.Handler {
	d := router.Deps{
		Logger:     a.Logger,
		Cache:      a.Engine,
		Sync:       a.Sync,
		Trigger:    a.Trigger,
		CronSecret: a.Config.CronSecret,
		DB:         a.Store,
	}
	if ready != nil {
		d.Ready = ready
	}
	return router.New(d)
}

// Serve runs the HTTP API, the invalidation consumer and the in-process
// scheduler until ctx is done.
func (a *App) Serve(ctx context.Context, reg prometheus.Registerer) error {
	inv := a.Config.Invalidation
	runner := kafka.New(kafka.InvalidationConfig{
		Enabled:          inv.Enabled,
		Driver:           kafka.Driver(inv.Driver),
		Brokers:          inv.BrokerList(),
		Topic:            inv.Topic,
		GroupID:          inv.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
	}, a.Engine, kafka.Options{Logger: a.Logger, Register: reg})
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	a.Trigger.Start(ctx, a.Config.SchedulerInterval, nil)
	defer a.Trigger.Stop()

	return server.Run(ctx, a.Config.Addr, a.Handler(runner), a.Logger, a.Config.PollDeadline+30*time.Second)
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
