// Package router maps the dashboard HTTP API onto the query cache.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/health"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/middleware"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querycache"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querysync"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/schedule"
)

// Cache is the part of the query cache engine the API serves.
type Cache interface {
	Read(ctx context.Context, queryID, pageID int64, ov *model.Overrides) (querycache.Result, error)
	Status(ctx context.Context, queryID, pageID int64) (querycache.StatusInfo, error)
	Describe(ctx context.Context, queryID, pageID int64) (querycache.Description, error)
	Clear(ctx context.Context, queryID int64) (int64, error)
	RefreshQuery(ctx context.Context, queryID int64) (int, error)
	SaveLayout(ctx context.Context, pageID int64, layout [][]model.CellSpec) (int64, error)
	StartDownload(ctx context.Context, queryID, pageID int64, ov *model.Overrides) (string, error)
	PollDownload(ctx context.Context, queryID int64, jobID string) (remote.Status, []byte, error)
	DownloadResult(ctx context.Context, queryID int64, jobID string) (remote.Result, error)
}

type Syncer interface {
	SyncSystem(ctx context.Context, systemID int64) (querysync.Report, error)
	SyncQuery(ctx context.Context, queryID int64) (model.Query, error)
}

type Trigger interface {
	Sweep(ctx context.Context, now time.Time) (schedule.Report, error)
}

type Deps struct {
	Logger     *slog.Logger
	Cache      Cache
	Sync       Syncer
	Trigger    Trigger
	CronSecret string
	Ready      health.ReadinessReporter
	DB         health.Pinger
	// Now defaults to time.Now.
	Now func() time.Time
}

type api struct {
	Deps
}

// New builds the complete HTTP handler.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS())
	r.Use(instrument)

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready, d.DB))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/pages/{pageID}", func(r chi.Router) {
		r.Post("/rows", a.saveLayout)
		r.Route("/queries/{queryID}", func(r chi.Router) {
			r.Get("/", a.describe)
			r.Get("/result", a.result)
			r.Get("/status", a.status)
			r.Post("/download", a.startDownload)
			r.Get("/download/{jobID}", a.pollDownload)
			r.Get("/download/{jobID}/result", a.downloadResult)
		})
	})
	r.Post("/queries/{queryID}/clear", a.clear)
	r.Post("/systems/{systemID}/sync", a.syncSystem)
	r.Get("/cron/{secret}", a.cron)
	return r
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics under the matched route pattern so
// ids in the path do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	})
}
