// Package metrics serves the dashboard's Prometheus registry on its own
// listener, separate from the public API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/config"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
)

// BuildInfo labels the dashboard_build_info gauge.
type BuildInfo struct {
	Version   string
	DBDriver  string
	Secondary string
}

type Config struct {
	Addr  string
	Path  string
	Build BuildInfo
}

// FromApp derives the provider config from the process configuration.
func FromApp(cfg config.Config, version string) Config {
	return Config{
		Addr: cfg.MetricsAddr,
		Path: "/metrics",
		Build: BuildInfo{
			Version:   version,
			DBDriver:  cfg.DBDriver,
			Secondary: cfg.Secondary.Mode,
		},
	}
}

type Provider struct {
	cfg Config
	reg *prometheus.Registry
}

// Init builds a registry holding the runtime collectors, the build info
// gauge and every dashboard collector from observability.
func Init(cfg Config) *Provider {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashboard_build_info",
			Help: "Build and storage setup of this dashboard (value is always 1).",
		},
		[]string{"version", "db_driver", "secondary_cache"},
	)
	reg.MustRegister(build)
	b := cfg.Build
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.Secondary == "" {
		b.Secondary = "off"
	}
	build.WithLabelValues(b.Version, b.DBDriver, b.Secondary).Set(1)

	observability.Init(reg, true)
	return &Provider{cfg: cfg, reg: reg}
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Routes mounts the handler on the configured path only.
func (p *Provider) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, p.Handler())
	return mux
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

// Serve listens on the configured address until ctx is done.
func (p *Provider) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           p.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
