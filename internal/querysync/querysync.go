// Package querysync keeps the local copy of remote query definitions in step
// with the remote service.
package querysync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/invalidation"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/params"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
)

type Remote interface {
	ListQueries(ctx context.Context) ([]remote.RemoteQuery, error)
	FetchQuery(ctx context.Context, remoteID int64) (remote.RemoteQuery, error)
	FetchOptions(ctx context.Context, p params.Params) ([]byte, error)
	ProjectName(ctx context.Context) (string, error)
}

type DialFunc func(ctx context.Context, sys model.System) (Remote, error)

func SessionDialer(d *remote.Dialer) DialFunc {
	return func(ctx context.Context, sys model.System) (Remote, error) {
		return d.Dial(ctx, sys)
	}
}

// Clearer empties the cache rows of a query.
type Clearer interface {
	Clear(ctx context.Context, queryID int64) (int64, error)
}

type Report struct {
	Seen     int
	Added    int
	Changed  int
	Archived int
}

type Syncer struct {
	store  *store.Store
	dial   DialFunc
	cache  Clearer
	pub    invalidation.Publisher
	logger *slog.Logger
}

func New(st *store.Store, dial DialFunc, cache Clearer, pub invalidation.Publisher, logger *slog.Logger) *Syncer {
	if pub == nil {
		pub = invalidation.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: st, dial: dial, cache: cache, pub: pub, logger: logger.With("component", "querysync")}
}

// SyncSystem upserts every remote query of the system. Queries whose
// parameters changed lose their cached results and a refresh event is
// published for them. Local queries missing remotely are archived.
func (s *Syncer) SyncSystem(ctx context.Context, systemID int64) (Report, error) {
	var rep Report
	sys, err := s.store.GetSystem(ctx, systemID)
	if err != nil {
		return rep, err
	}
	rs, err := s.dial(ctx, sys)
	if err != nil {
		return rep, fmt.Errorf("dial system %d: %w", systemID, err)
	}

	if name, err := rs.ProjectName(ctx); err != nil {
		s.logger.Warn("project name lookup failed", "system", systemID, "err", err)
	} else if name != sys.ProjectName {
		if err := s.store.UpdateSystemProjectName(ctx, systemID, name); err != nil {
			return rep, err
		}
	}

	remoteQueries, err := rs.ListQueries(ctx)
	if err != nil {
		return rep, fmt.Errorf("list queries of system %d: %w", systemID, err)
	}
	local, err := s.store.ListQueries(ctx, systemID)
	if err != nil {
		return rep, err
	}
	byRemote := make(map[int64]model.Query, len(local))
	for _, q := range local {
		byRemote[q.RemoteID] = q
	}

	for _, rq := range remoteQueries {
		rep.Seen++
		prev, known := byRemote[rq.ID]
		delete(byRemote, rq.ID)

		id, changed, err := s.store.UpsertQuery(ctx, model.Query{
			SystemID: systemID, RemoteID: rq.ID, Name: rq.Name, Parameters: rq.Parameters,
		})
		if err != nil {
			return rep, err
		}
		if !known {
			rep.Added++
			continue
		}
		if prev.Archived {
			if err := s.store.SetQueryArchived(ctx, id, false); err != nil {
				return rep, err
			}
		}
		if !changed {
			continue
		}
		rep.Changed++
		if _, err := s.cache.Clear(ctx, id); err != nil {
			return rep, err
		}
		s.publish(ctx, invalidation.New(invalidation.OpRefresh, systemID, id, "sync"))
	}

	for _, q := range byRemote {
		if q.Archived {
			continue
		}
		if err := s.store.SetQueryArchived(ctx, q.ID, true); err != nil {
			return rep, err
		}
		rep.Archived++
	}

	s.logger.Info("system synchronised", "system", systemID,
		"seen", rep.Seen, "added", rep.Added, "changed", rep.Changed, "archived", rep.Archived)
	return rep, nil
}

// SyncQuery reloads the name, parameters and option schema of one query and
// clears its cached results.
func (s *Syncer) SyncQuery(ctx context.Context, queryID int64) (model.Query, error) {
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return model.Query{}, err
	}
	sys, err := s.store.GetSystem(ctx, q.SystemID)
	if err != nil {
		return model.Query{}, err
	}
	rs, err := s.dial(ctx, sys)
	if err != nil {
		return model.Query{}, fmt.Errorf("dial system %d: %w", sys.ID, err)
	}

	rq, err := rs.FetchQuery(ctx, q.RemoteID)
	if err != nil {
		return model.Query{}, fmt.Errorf("fetch query %d: %w", queryID, err)
	}
	q.Name, q.Parameters = rq.Name, rq.Parameters
	if _, _, err := s.store.UpsertQuery(ctx, q); err != nil {
		return model.Query{}, err
	}

	p, err := params.Resolve(params.Input{Parameters: q.Parameters})
	if err != nil {
		return model.Query{}, err
	}
	opts, err := rs.FetchOptions(ctx, p)
	if err != nil {
		return model.Query{}, fmt.Errorf("fetch options of query %d: %w", queryID, err)
	}
	if opts == nil {
		s.logger.Debug("option schema unavailable", "query_id", queryID)
	}
	if err := s.store.UpdateQueryOptions(ctx, queryID, opts); err != nil {
		return model.Query{}, err
	}
	q.Options = string(opts)

	if _, err := s.cache.Clear(ctx, queryID); err != nil {
		return model.Query{}, err
	}
	return q, nil
}

func (s *Syncer) publish(ctx context.Context, ev invalidation.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("invalidation event not published", "query_id", ev.QueryID, "op", ev.Op, "err", err)
	}
}
