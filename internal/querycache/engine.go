// Package querycache serves query results for dashboard cells from the
// durable cache, refreshing rows through the remote query service when their
// tag no longer matches the current parameters.
package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/secondary"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/customize"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/hotness"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/params"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
)

// Remote is the part of a remote session the engine drives.
type Remote interface {
	SubmitJob(ctx context.Context, p params.Params) (string, error)
	PollOnce(ctx context.Context, jobID string) (remote.Status, []byte, error)
	PollUntilDone(ctx context.Context, jobID string, base, maxDelay time.Duration) (remote.Result, error)
	FetchResult(ctx context.Context, jobID string) (remote.Result, error)
}

type DialFunc func(ctx context.Context, sys model.System) (Remote, error)

// SessionDialer adapts a remote.Dialer.
func SessionDialer(d *remote.Dialer) DialFunc {
	return func(ctx context.Context, sys model.System) (Remote, error) {
		return d.Dial(ctx, sys)
	}
}

type Source string

const (
	SourceDurable   Source = "durable"
	SourceSecondary Source = "secondary"
	SourceRemote    Source = "remote"
)

type Result struct {
	Content   []byte
	Mimetype  string
	State     model.CacheState
	Stale     bool
	Timestamp time.Time
	Tag       string
	JobID     string
	Source    Source
}

type Config struct {
	PollBase time.Duration
	PollMax  time.Duration
	// ClaimTTL bounds how long a submitting caller holds the row before
	// another caller may take over.
	ClaimTTL time.Duration
	// FlightTimeout bounds a shared refresh once it no longer follows the
	// context of the caller that started it.
	FlightTimeout time.Duration
	// Admission gates which ad-hoc results are kept in the secondary
	// store. Nil keeps all of them.
	Admission *hotness.Admission
	Now       func() time.Time // for tests
}

type Engine struct {
	store     *store.Store
	dial      DialFunc
	secondary secondary.Store
	logger    *slog.Logger
	cfg       Config

	flight singleflight.Group
}

func New(st *store.Store, dial DialFunc, sec secondary.Store, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = 10 * time.Minute
	}
	if sec == nil {
		sec = secondary.NewLRU(0, 0)
	}
	return &Engine{store: st, dial: dial, secondary: sec, logger: logger, cfg: cfg}
}

// target is everything a read of one (query, page) needs.
type target struct {
	system model.System
	query  model.Query
	page   model.Page
	params params.Params
	tag    string
}

func (e *Engine) resolve(ctx context.Context, queryID, pageID int64, ov *model.Overrides) (target, error) {
	q, err := e.store.GetQuery(ctx, queryID)
	if err != nil {
		return target{}, err
	}
	pg, err := e.store.GetPage(ctx, pageID)
	if err != nil {
		return target{}, err
	}
	if q.SystemID != pg.SystemID {
		return target{}, fmt.Errorf("query %d is not part of the system of page %d: %w", queryID, pageID, ErrNotFound)
	}
	sys, err := e.store.GetSystem(ctx, pg.SystemID)
	if err != nil {
		return target{}, err
	}
	p, err := params.Resolve(params.Input{
		Parameters:    q.Parameters,
		GlobalFilters: sys.GlobalFilters,
		PageFilters:   pg.Filters,
		Overrides:     ov,
	})
	if err != nil {
		return target{}, fmt.Errorf("resolve parameters of query %d: %w", queryID, err)
	}
	tag, err := keys.Tag(q.ID, remote.TaskURL(sys, p), p)
	if err != nil {
		return target{}, err
	}
	return target{system: sys, query: q, page: pg, params: p, tag: tag}, nil
}

// cacheRow returns the stored row of (query, page), or an empty one.
func (e *Engine) cacheRow(ctx context.Context, queryID, pageID int64) (model.QueryCache, error) {
	row, err := e.store.GetCache(ctx, queryID, pageID)
	if errors.Is(err, store.ErrNotFound) {
		return model.QueryCache{QueryID: queryID, PageID: pageID, Timestamp: model.Epoch}, nil
	}
	return row, err
}

func durableResult(row model.QueryCache, tag string) Result {
	var content []byte
	if row.Content != nil {
		content = []byte(*row.Content)
	}
	st := row.State(tag)
	return Result{
		Content:   content,
		Mimetype:  row.Mimetype,
		State:     st,
		Stale:     st != model.StateValid,
		Timestamp: row.Timestamp,
		Tag:       row.Tag,
		JobID:     row.JobID,
		Source:    SourceDurable,
	}
}

// Read returns the result of a query on a page. Without overrides a valid
// durable row is served as is and anything else is refreshed. Overridden
// reads go through the secondary store and never touch the durable row.
func (e *Engine) Read(ctx context.Context, queryID, pageID int64, ov *model.Overrides) (Result, error) {
	if !ov.IsZero() {
		return e.readOverridden(ctx, queryID, pageID, ov)
	}
	t, err := e.resolve(ctx, queryID, pageID, nil)
	if err != nil {
		return Result{}, err
	}
	row, err := e.cacheRow(ctx, queryID, pageID)
	if err != nil {
		return Result{}, err
	}
	switch row.State(t.tag) {
	case model.StateValid:
		observability.IncCacheResult(observability.OutcomeHit)
		return durableResult(row, t.tag), nil
	case model.StateStale:
		observability.IncCacheResult(observability.OutcomeStale)
	case model.StatePending:
		observability.IncCacheResult(observability.OutcomePending)
	default:
		observability.IncCacheResult(observability.OutcomeMiss)
	}
	return e.refreshTarget(ctx, t, false)
}

// Refresh repopulates the durable row of (query, page). Unless force is set
// a row that is already valid is returned without contacting the remote
// service.
func (e *Engine) Refresh(ctx context.Context, queryID, pageID int64, force bool) (Result, error) {
	t, err := e.resolve(ctx, queryID, pageID, nil)
	if err != nil {
		return Result{}, err
	}
	return e.refreshTarget(ctx, t, force)
}

func (e *Engine) refreshTarget(ctx context.Context, t target, force bool) (Result, error) {
	key := fmt.Sprintf("%d:%d:%s:%t", t.query.ID, t.page.ID, t.tag, force)
	ch := e.flight.DoChan(key, func() (any, error) {
		fctx, cancel := e.flightContext(ctx)
		defer cancel()
		start := time.Now()
		res, err := e.refresh(fctx, t, force)
		observability.ObserveRefresh(err, time.Since(start).Seconds())
		return res, err
	})
	return e.await(ctx, ch, t)
}

// flightContext detaches a shared flight from the caller that started it,
// so the callers that joined it are not failed when that one leaves.
func (e *Engine) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FlightTimeout)
}

// await waits for a flight on behalf of one caller. The flight keeps
// running when the caller gives up.
func (e *Engine) await(ctx context.Context, ch <-chan singleflight.Result, t target) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for query %d on page %d: %w", t.query.ID, t.page.ID, ctx.Err())
	case r := <-ch:
		if r.Shared {
			e.logger.Debug("refresh shared", "query_id", t.query.ID, "page_id", t.page.ID)
		}
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

// claimStep is the outcome of inspecting the row under the lock.
type claimStep struct {
	done  *Result
	jobID string
	lease time.Time
	busy  bool
}

// refresh runs in three steps. The row is claimed under a short lock, the
// job is submitted without the lock and its id saved under the lock again,
// so concurrent callers see it and resume the same job instead of
// submitting another one. Polling happens without the lock. The result is
// saved under the lock again, unless the row moved on to another job in the
// meantime. No remote call is made while the lock is held.
func (e *Engine) refresh(ctx context.Context, t target, force bool) (Result, error) {
	log := e.logger.With("query_id", t.query.ID, "page_id", t.page.ID, "system", t.system.ID)

	jobID, sess, done, err := e.start(ctx, t, force, log)
	if err != nil {
		log.Warn("refresh not started", "err", err)
		return Result{}, fmt.Errorf("refresh query %d on page %d: %w", t.query.ID, t.page.ID, err)
	}
	if done != nil {
		return *done, nil
	}
	log.Debug("remote job checkpointed", "job_id", jobID, "tag", t.tag)

	if sess == nil {
		if sess, err = e.dial(ctx, t.system); err != nil {
			return Result{}, fmt.Errorf("refresh query %d on page %d: %w", t.query.ID, t.page.ID, err)
		}
	}
	res, err := sess.PollUntilDone(ctx, jobID, e.cfg.PollBase, e.cfg.PollMax)
	if err != nil {
		return Result{}, e.pollFailed(ctx, t, jobID, err, log)
	}
	observability.IncRemoteJob(observability.JobSucceeded)

	now := e.cfg.Now().UTC()
	out := Result{
		Content:   res.Body,
		Mimetype:  res.Mimetype,
		State:     model.StateValid,
		Timestamp: now,
		Tag:       t.tag,
		JobID:     jobID,
		Source:    SourceRemote,
	}
	// the lock can be taken after the caller gave up; the result is paid for
	err = e.store.WithCacheLock(context.WithoutCancel(ctx), t.query.ID, t.page.ID, func(ctx context.Context, tx *store.CacheTx) error {
		row := tx.Row()
		if row.JobID != jobID {
			log.Info("row moved on while polling, result not stored", "job_id", jobID, "row_job_id", row.JobID)
			return nil
		}
		content := string(res.Body)
		row.Content = &content
		row.Mimetype = res.Mimetype
		row.Tag = t.tag
		row.Timestamp = now
		row.PendingTag = ""
		return tx.Save(ctx, row)
	})
	if err != nil {
		return Result{}, fmt.Errorf("store result of query %d on page %d: %w", t.query.ID, t.page.ID, err)
	}
	log.Info("cache row refreshed", "job_id", jobID, "bytes", len(res.Body), "cache_state", string(model.StateValid))
	return out, nil
}

// start returns the job to poll for t, or the row itself when it is
// already valid. A caller that finds the row claimed by another submission
// waits for that job id to appear instead of submitting its own.
func (e *Engine) start(ctx context.Context, t target, force bool, log *slog.Logger) (string, Remote, *Result, error) {
	var wait backoff.BackOff
	for {
		step, err := e.claim(ctx, t, force, log)
		if err != nil {
			return "", nil, nil, err
		}
		switch {
		case step.done != nil:
			return "", nil, step.done, nil
		case step.jobID != "":
			return step.jobID, nil, nil, nil
		case !step.busy:
			jobID, sess, err := e.submit(ctx, t, step.lease, log)
			return jobID, sess, nil, err
		}

		if wait == nil {
			wait = e.claimBackOff()
		}
		timer := time.NewTimer(wait.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", nil, nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) claimBackOff() backoff.BackOff {
	base, maxDelay := e.cfg.PollBase, e.cfg.PollMax
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = max(base, time.Second)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// claim inspects the row under the lock and, when nobody else is
// submitting, takes a lease on it.
func (e *Engine) claim(ctx context.Context, t target, force bool, log *slog.Logger) (claimStep, error) {
	var step claimStep
	err := e.store.WithCacheLock(ctx, t.query.ID, t.page.ID, func(ctx context.Context, tx *store.CacheTx) error {
		row := tx.Row()
		if !force && row.IsValid(t.tag) {
			r := durableResult(row, t.tag)
			step.done = &r
			return nil
		}
		if row.InFlight(t.tag) {
			step.jobID = row.JobID
			observability.IncRemoteJob(observability.JobResumed)
			log.Info("resuming remote job", "job_id", step.jobID)
			return nil
		}
		now := time.Now()
		if row.Claimed(now) {
			step.busy = true
			return nil
		}
		row.ClaimUntil = now.Add(e.cfg.ClaimTTL).Round(0).UTC()
		step.lease = row.ClaimUntil
		return tx.Save(ctx, row)
	})
	return step, err
}

// submit sends the job without holding the lock, then records its id and
// releases the lease. A rejected submission only releases the lease, so
// the row keeps its previous content and tag.
func (e *Engine) submit(ctx context.Context, t target, lease time.Time, log *slog.Logger) (string, Remote, error) {
	sess, err := e.dial(ctx, t.system)
	var jobID string
	if err == nil {
		jobID, err = sess.SubmitJob(ctx, t.params)
		if err != nil {
			err = asQueryInvalid(err, t.query.ID, t.query.Name)
			var qi *QueryInvalidError
			if errors.As(err, &qi) {
				observability.IncRemoteJob(observability.JobRejected)
			}
		}
	}
	submitErr := err

	// the job exists remotely even when the caller gave up
	lerr := e.store.WithCacheLock(context.WithoutCancel(ctx), t.query.ID, t.page.ID, func(ctx context.Context, tx *store.CacheTx) error {
		row := tx.Row()
		ours := row.ClaimUntil.Equal(lease)
		if ours {
			row.ClaimUntil = time.Time{}
		}
		if submitErr != nil {
			if !ours {
				return nil
			}
			return tx.Save(ctx, row)
		}
		if row.Tag != t.tag {
			row.Clear()
		}
		row.JobID = jobID
		row.PendingTag = t.tag
		return tx.Save(ctx, row)
	})
	if submitErr != nil {
		if lerr != nil {
			log.Error("releasing submission lease", "err", lerr)
		}
		return "", nil, submitErr
	}
	if lerr != nil {
		return "", nil, lerr
	}
	observability.IncRemoteJob(observability.JobSubmitted)
	return jobID, sess, nil
}

// pollFailed decides what happens to the row after polling gave up. A
// timeout leaves the job in flight so the next read resumes it; a failed or
// unknown job is dropped so the next read submits a new one.
func (e *Engine) pollFailed(ctx context.Context, t target, jobID string, err error, log *slog.Logger) error {
	wrapped := fmt.Errorf("poll job %s of query %d: %w", jobID, t.query.ID, err)

	var te *remote.TimeoutError
	if errors.As(err, &te) {
		observability.IncRemoteJob(observability.JobTimedOut)
		log.Warn("remote job still running", "job_id", jobID, "attempts", te.Attempts, "cache_state", string(model.StatePending))
		return wrapped
	}

	var (
		jf *remote.JobFailedError
		re *remote.RequestError
	)
	if !errors.As(err, &jf) && !(errors.As(err, &re) && re.IsClientError()) {
		log.Warn("polling remote job failed", "job_id", jobID, "err", err)
		return wrapped
	}
	observability.IncRemoteJob(observability.JobFailed)
	log.Warn("remote job failed", "job_id", jobID, "err", err)

	dropErr := e.store.WithCacheLock(context.WithoutCancel(ctx), t.query.ID, t.page.ID, func(ctx context.Context, tx *store.CacheTx) error {
		row := tx.Row()
		if row.JobID != jobID || row.PendingTag == "" {
			return nil
		}
		row.PendingTag = ""
		if row.Content == nil {
			row.JobID = ""
		}
		return tx.Save(ctx, row)
	})
	if dropErr != nil {
		log.Error("dropping failed job", "job_id", jobID, "err", dropErr)
	}
	return wrapped
}

// readOverridden serves an ad-hoc read from the secondary store. An entry
// older than the durable row is stale and recomputed.
func (e *Engine) readOverridden(ctx context.Context, queryID, pageID int64, ov *model.Overrides) (Result, error) {
	t, err := e.resolve(ctx, queryID, pageID, ov)
	if err != nil {
		return Result{}, err
	}
	row, err := e.cacheRow(ctx, queryID, pageID)
	if err != nil {
		return Result{}, err
	}

	e.cfg.Admission.Touch(t.tag)
	entry, found, err := e.secondary.Get(ctx, t.tag)
	if err != nil {
		e.logger.Warn("secondary get failed", "tag", t.tag, "err", err)
		found = false
	}
	switch {
	case found && !entry.Timestamp.Before(row.Timestamp):
		observability.IncCacheResult(observability.OutcomeSecondaryHit)
		return Result{
			Content:   entry.Content,
			Mimetype:  entry.Mimetype,
			State:     model.StateValid,
			Timestamp: entry.Timestamp,
			Tag:       t.tag,
			Source:    SourceSecondary,
		}, nil
	case found:
		observability.IncCacheResult(observability.OutcomeSecondaryStale)
	default:
		observability.IncCacheResult(observability.OutcomeSecondaryMiss)
	}

	ch := e.flight.DoChan("secondary:"+t.tag, func() (any, error) {
		fctx, cancel := e.flightContext(ctx)
		defer cancel()
		return e.runAdHoc(fctx, t)
	})
	return e.await(ctx, ch, t)
}

func (e *Engine) runAdHoc(ctx context.Context, t target) (Result, error) {
	sess, err := e.dial(ctx, t.system)
	if err != nil {
		return Result{}, err
	}
	jobID, err := sess.SubmitJob(ctx, t.params)
	if err != nil {
		return Result{}, fmt.Errorf("submit ad-hoc query %d: %w", t.query.ID, asQueryInvalid(err, t.query.ID, t.query.Name))
	}
	observability.IncRemoteJob(observability.JobSubmitted)
	res, err := sess.PollUntilDone(ctx, jobID, e.cfg.PollBase, e.cfg.PollMax)
	if err != nil {
		var jf *remote.JobFailedError
		var te *remote.TimeoutError
		switch {
		case errors.As(err, &te):
			observability.IncRemoteJob(observability.JobTimedOut)
		case errors.As(err, &jf):
			observability.IncRemoteJob(observability.JobFailed)
		}
		return Result{}, fmt.Errorf("poll ad-hoc job %s of query %d: %w", jobID, t.query.ID, err)
	}
	observability.IncRemoteJob(observability.JobSucceeded)

	now := e.cfg.Now().UTC()
	if e.cfg.Admission.Admit(t.tag) {
		if err := e.secondary.Put(ctx, t.tag, secondary.Entry{Content: res.Body, Mimetype: res.Mimetype, Timestamp: now}); err != nil {
			e.logger.Warn("secondary put failed", "tag", t.tag, "err", err)
		}
	} else {
		observability.IncCacheResult(observability.OutcomeNotAdmitted)
	}
	return Result{
		Content:   res.Body,
		Mimetype:  res.Mimetype,
		State:     model.StateValid,
		Timestamp: now,
		Tag:       t.tag,
		JobID:     jobID,
		Source:    SourceRemote,
	}, nil
}

// Clear empties every cache row of a query and returns how many rows it
// touched.
func (e *Engine) Clear(ctx context.Context, queryID int64) (int64, error) {
	if _, err := e.store.GetQuery(ctx, queryID); err != nil {
		return 0, err
	}
	n, err := e.store.ClearQueryCaches(ctx, queryID)
	if err != nil {
		return 0, err
	}
	e.logger.Info("query caches cleared", "query_id", queryID, "rows", n)
	return n, nil
}

// RefreshQuery force-refreshes the cache row of every page showing the
// query. It keeps going after a failed page and returns how many pages were
// refreshed along with the joined errors.
func (e *Engine) RefreshQuery(ctx context.Context, queryID int64) (int, error) {
	if _, err := e.store.GetQuery(ctx, queryID); err != nil {
		return 0, err
	}
	pages, err := e.store.PagesShowingQuery(ctx, queryID)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, pageID := range pages {
		if _, err := e.Refresh(ctx, queryID, pageID, true); err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", pageID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// CleanupOrphans deletes cache rows of pageID whose query the page no
// longer shows.
func (e *Engine) CleanupOrphans(ctx context.Context, pageID int64) (int64, error) {
	return e.store.DeleteOrphanCaches(ctx, pageID)
}

// SaveLayout replaces the rows and cells of a page. Every cell must refer to
// a query of the page's system and carry a valid customization map. Cache
// rows of queries that drop off the page are deleted in the same write.
func (e *Engine) SaveLayout(ctx context.Context, pageID int64, layout [][]model.CellSpec) (int64, error) {
	pg, err := e.store.GetPage(ctx, pageID)
	if err != nil {
		return 0, err
	}
	for r, cells := range layout {
		for c, cell := range cells {
			if cell.Width <= 0 {
				return 0, fmt.Errorf("row %d cell %d: width %d: %w", r, c, cell.Width, ErrInvalidLayout)
			}
			if err := customize.Validate(cell.Customize); err != nil {
				return 0, fmt.Errorf("row %d cell %d: %w: %w", r, c, ErrInvalidLayout, err)
			}
			q, err := e.store.GetQuery(ctx, cell.QueryID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && q.SystemID != pg.SystemID) {
				return 0, fmt.Errorf("row %d cell %d: unknown query %d: %w", r, c, cell.QueryID, ErrInvalidLayout)
			}
			if err != nil {
				return 0, err
			}
		}
	}
	return e.store.ReplaceLayout(ctx, pageID, layout)
}

type StatusInfo struct {
	State     model.CacheState
	JobID     string
	Timestamp time.Time
	Tag       string
}

// Status reports the state of the durable row against the current tag.
func (e *Engine) Status(ctx context.Context, queryID, pageID int64) (StatusInfo, error) {
	t, err := e.resolve(ctx, queryID, pageID, nil)
	if err != nil {
		return StatusInfo{}, err
	}
	row, err := e.cacheRow(ctx, queryID, pageID)
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{State: row.State(t.tag), JobID: row.JobID, Timestamp: row.Timestamp, Tag: t.tag}, nil
}

// Description is the parameter set a cell is computed with.
type Description struct {
	QueryID      int64
	RemoteID     int64
	Name         string
	Params       params.Params
	Options      json.RawMessage
	TaskURL      string
	Tag          string
	Downloadable bool
}

func (e *Engine) Describe(ctx context.Context, queryID, pageID int64) (Description, error) {
	t, err := e.resolve(ctx, queryID, pageID, nil)
	if err != nil {
		return Description{}, err
	}
	d := Description{
		QueryID:  t.query.ID,
		RemoteID: t.query.RemoteID,
		Name:     t.query.Name,
		Params:   t.params,
		TaskURL:  remote.TaskURL(t.system, t.params),
		Tag:      t.tag,
	}
	if t.query.Options != "" && json.Valid([]byte(t.query.Options)) {
		d.Options = json.RawMessage(t.query.Options)
		d.Downloadable = downloadable(d.Options)
	}
	return d, nil
}

// downloadable reports whether the option schema accepts a csv output type.
func downloadable(options json.RawMessage) bool {
	var o struct {
		Actions struct {
			Post map[string]struct {
				Choices []struct {
					Value any `json:"value"`
				} `json:"choices"`
			} `json:"POST"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(options, &o); err != nil {
		return false
	}
	for _, c := range o.Actions.Post[params.KeyOutputType].Choices {
		if s, ok := c.Value.(string); ok && s == downloadType {
			return true
		}
	}
	return false
}

const downloadType = "text/csv"

// StartDownload submits the cell's query with csv output. The durable row
// is not touched.
func (e *Engine) StartDownload(ctx context.Context, queryID, pageID int64, ov *model.Overrides) (string, error) {
	dl := model.Overrides{ExtraOptions: map[string]string{params.KeyOutputType: downloadType}}
	if ov != nil {
		dl.QueryText, dl.DateOverride, dl.ExtraFilters = ov.QueryText, ov.DateOverride, ov.ExtraFilters
		for k, v := range ov.ExtraOptions {
			if k != params.KeyOutputType {
				dl.ExtraOptions[k] = v
			}
		}
	}
	t, err := e.resolve(ctx, queryID, pageID, &dl)
	if err != nil {
		return "", err
	}
	sess, err := e.dial(ctx, t.system)
	if err != nil {
		return "", err
	}
	jobID, err := sess.SubmitJob(ctx, t.params)
	if err != nil {
		return "", fmt.Errorf("start download of query %d: %w", queryID, asQueryInvalid(err, t.query.ID, t.query.Name))
	}
	observability.IncRemoteJob(observability.JobSubmitted)
	e.logger.Info("download started", "query_id", queryID, "page_id", pageID, "job_id", jobID)
	return jobID, nil
}

func (e *Engine) queryRemote(ctx context.Context, queryID int64) (Remote, error) {
	q, err := e.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	sys, err := e.store.GetSystem(ctx, q.SystemID)
	if err != nil {
		return nil, err
	}
	return e.dial(ctx, sys)
}

// PollDownload checks a download job once and returns the status document.
func (e *Engine) PollDownload(ctx context.Context, queryID int64, jobID string) (remote.Status, []byte, error) {
	sess, err := e.queryRemote(ctx, queryID)
	if err != nil {
		return "", nil, err
	}
	st, payload, err := sess.PollOnce(ctx, jobID)
	if err != nil {
		return "", nil, fmt.Errorf("poll download %s: %w", jobID, err)
	}
	return st, payload, nil
}

func (e *Engine) DownloadResult(ctx context.Context, queryID int64, jobID string) (remote.Result, error) {
	sess, err := e.queryRemote(ctx, queryID)
	if err != nil {
		return remote.Result{}, err
	}
	res, err := sess.FetchResult(ctx, jobID)
	if err != nil {
		return remote.Result{}, fmt.Errorf("download result %s: %w", jobID, err)
	}
	return res, nil
}
