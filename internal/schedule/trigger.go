package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querycache"
)

type Source interface {
	ListScheduledQueries(ctx context.Context) ([]model.Query, error)
	ListCachesForQuery(ctx context.Context, queryID int64) ([]model.QueryCache, error)
}

type Refresher interface {
	Refresh(ctx context.Context, queryID, pageID int64, force bool) (querycache.Result, error)
}

// Report summarizes one sweep.
type Report struct {
	Due       int
	Refreshed int
	Failed    int
	Invalid   int
}

// Trigger force-refreshes every cache row of the queries due in a minute.
type Trigger struct {
	src     Source
	ref     Refresher
	log     *slog.Logger
	loc     *time.Location
	mu      sync.Mutex
	last    time.Time
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

func NewTrigger(src Source, ref Refresher, logger *slog.Logger, loc *time.Location) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Trigger{src: src, ref: ref, log: logger.With("component", "scheduler"), loc: loc}
}

// Sweep refreshes the queries due at now. A failing row is logged and the
// sweep moves on; the returned error only reports that listing failed.
func (t *Trigger) Sweep(ctx context.Context, now time.Time) (Report, error) {
	now = now.In(t.loc)
	var rep Report

	queries, err := t.src.ListScheduledQueries(ctx)
	if err != nil {
		observability.IncScheduler("sweep", err)
		return rep, err
	}
	due, invalid := GetDue(queries, now)
	rep.Due, rep.Invalid = len(due), len(invalid)
	for _, err := range invalid {
		t.log.Warn("skipping query with invalid schedule", "err", err)
	}

	for _, q := range due {
		rows, err := t.src.ListCachesForQuery(ctx, q.ID)
		if err != nil {
			t.log.Error("list cache rows", "query_id", q.ID, "err", err)
			rep.Failed++
			continue
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				observability.IncScheduler("sweep", ctx.Err())
				return rep, ctx.Err()
			}
			_, err := t.ref.Refresh(ctx, q.ID, row.PageID, true)
			observability.IncScheduler("refresh", err)
			if err != nil {
				rep.Failed++
				t.log.Warn("scheduled refresh failed", "query_id", q.ID, "page_id", row.PageID, "err", err)
				continue
			}
			rep.Refreshed++
		}
	}
	observability.IncScheduler("sweep", nil)
	t.log.Info("schedule sweep done", "at", now.Format(time.RFC3339),
		"due", rep.Due, "refreshed", rep.Refreshed, "failed", rep.Failed, "invalid", rep.Invalid)
	return rep, nil
}

// sweepOnce sweeps the minute of now unless that minute was swept already.
func (t *Trigger) sweepOnce(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	t.mu.Lock()
	if !minute.After(t.last) {
		t.mu.Unlock()
		return
	}
	t.last = minute
	t.mu.Unlock()
	if _, err := t.Sweep(ctx, minute); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Error("schedule sweep", "err", err)
	}
}

// Start sweeps in the background every interval until Stop or ctx is done.
func (t *Trigger) Start(ctx context.Context, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		t.log.Info("in-process scheduler disabled")
		return
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				t.sweepOnce(ctx, now())
			}
		}
	}()
	t.log.Info("in-process scheduler started", "interval", interval.String())
}

func (t *Trigger) Stop() {
	if !t.started {
		return
	}
	t.cancel()
	t.wg.Wait()
}
