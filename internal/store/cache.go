package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

const cacheCols = `id, query_id, page_id, cache, cache_mimetype, cache_tag, cache_timestamp, cache_job_id, cache_pending_tag, cache_claim_until`

func scanCache(sc scanner) (model.QueryCache, error) {
	var (
		c       model.QueryCache
		content sql.NullString
		mime    sql.NullString
		tag     sql.NullString
		ts      int64
		job     sql.NullString
		pending sql.NullString
		claim   int64
	)
	if err := sc.Scan(&c.ID, &c.QueryID, &c.PageID, &content, &mime, &tag, &ts, &job, &pending, &claim); err != nil {
		return model.QueryCache{}, err
	}
	if content.Valid {
		v := content.String
		c.Content = &v
	}
	c.Mimetype = mime.String
	c.Tag = tag.String
	c.Timestamp = fromNanos(ts)
	c.JobID = job.String
	c.PendingTag = pending.String
	if claim > 0 {
		c.ClaimUntil = time.Unix(0, claim).UTC()
	}
	return c, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() || !t.After(model.Epoch) {
		return 0
	}
	return t.UnixNano()
}

func claimNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n <= 0 {
		return model.Epoch
	}
	return time.Unix(0, n).UTC()
}

func (s *Store) GetCache(ctx context.Context, queryID, pageID int64) (model.QueryCache, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+cacheCols+` FROM query_cache WHERE query_id = ? AND page_id = ?`), queryID, pageID)
	c, err := scanCache(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueryCache{}, fmt.Errorf("cache %d/%d: %w", queryID, pageID, ErrNotFound)
	}
	if err != nil {
		return model.QueryCache{}, fmt.Errorf("get cache %d/%d: %w", queryID, pageID, err)
	}
	return c, nil
}

const ensureCacheSQL = `INSERT INTO query_cache (query_id, page_id, cache_timestamp) VALUES (?, ?, 0)
	ON CONFLICT (query_id, page_id) DO NOTHING`

// EnsureCache returns the cache row of (query, page), creating an empty one
// on first use.
func (s *Store) EnsureCache(ctx context.Context, queryID, pageID int64) (model.QueryCache, error) {
	c, err := s.GetCache(ctx, queryID, pageID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return c, err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(ensureCacheSQL), queryID, pageID); err != nil {
		return model.QueryCache{}, fmt.Errorf("create cache %d/%d: %w", queryID, pageID, err)
	}
	return s.GetCache(ctx, queryID, pageID)
}

func (s *Store) ListCachesForQuery(ctx context.Context, queryID int64) ([]model.QueryCache, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+cacheCols+` FROM query_cache WHERE query_id = ? ORDER BY page_id`), queryID)
	if err != nil {
		return nil, fmt.Errorf("list caches of query %d: %w", queryID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.QueryCache
	for rows.Next() {
		c, err := scanCache(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearQueryCaches resets every cache row of a query in one statement.
func (s *Store) ClearQueryCaches(ctx context.Context, queryID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE query_cache SET
		cache = NULL, cache_mimetype = NULL, cache_tag = NULL, cache_timestamp = 0,
		cache_job_id = NULL, cache_pending_tag = NULL
		WHERE query_id = ?`), queryID)
	if err != nil {
		return 0, fmt.Errorf("clear caches of query %d: %w", queryID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CacheTx is a cache row held under an exclusive lock.
type CacheTx struct {
	s   *Store
	q   querier
	row model.QueryCache
}

func (t *CacheTx) Row() model.QueryCache { return t.row }

// Save writes every cache field of row; the write commits with the lock.
func (t *CacheTx) Save(ctx context.Context, row model.QueryCache) error {
	var content sql.NullString
	if row.Content != nil {
		content = sql.NullString{String: *row.Content, Valid: true}
	}
	_, err := t.q.ExecContext(ctx, t.s.rebind(`UPDATE query_cache SET
		cache = ?, cache_mimetype = ?, cache_tag = ?, cache_timestamp = ?,
		cache_job_id = ?, cache_pending_tag = ?, cache_claim_until = ?
		WHERE id = ?`),
		content, nullString(row.Mimetype), nullString(row.Tag), toNanos(row.Timestamp),
		nullString(row.JobID), nullString(row.PendingTag), claimNanos(row.ClaimUntil), t.row.ID,
	)
	if err != nil {
		return fmt.Errorf("save cache %d: %w", t.row.ID, err)
	}
	row.ID, row.QueryID, row.PageID = t.row.ID, t.row.QueryID, t.row.PageID
	t.row = row
	return nil
}

// WithCacheLock runs fn while holding an exclusive lock on the cache row of
// (query, page), creating the row if needed. Postgres locks the row with
// SELECT ... FOR UPDATE; SQLite holds the database write lock, so fn must
// not block on anything outside the database. Concurrent callers in any
// process block until fn returns. Returning an error from fn rolls back its
// writes.
func (s *Store) WithCacheLock(ctx context.Context, queryID, pageID int64, fn func(ctx context.Context, tx *CacheTx) error) error {
	sel := `SELECT ` + cacheCols + ` FROM query_cache WHERE query_id = ? AND page_id = ?`
	if s.dialect == Postgres {
		sel += ` FOR UPDATE`
	}
	return s.withWriteTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, s.rebind(ensureCacheSQL), queryID, pageID); err != nil {
			return fmt.Errorf("create cache %d/%d: %w", queryID, pageID, err)
		}
		row, err := scanCache(q.QueryRowContext(ctx, s.rebind(sel), queryID, pageID))
		if err != nil {
			return fmt.Errorf("lock cache %d/%d: %w", queryID, pageID, err)
		}
		return fn(ctx, &CacheTx{s: s, q: q, row: row})
	})
}
