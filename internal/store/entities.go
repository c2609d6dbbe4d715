package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

type scanner interface {
	Scan(dest ...any) error
}

const systemCols = `id, hostname, project_id, project_name, token, username, password, global_filters`

func scanSystem(sc scanner) (model.System, error) {
	var (
		sys     model.System
		token   sql.NullString
		filters string
	)
	if err := sc.Scan(&sys.ID, &sys.Hostname, &sys.ProjectID, &sys.ProjectName, &token, &sys.Username, &sys.Password, &filters); err != nil {
		return model.System{}, err
	}
	sys.Token = token.String
	sys.GlobalFilters = decodeFilters(filters)
	return sys, nil
}

// UpsertSystem inserts or updates the system identified by hostname and
// project. An empty token keeps the stored one.
func (s *Store) UpsertSystem(ctx context.Context, sys model.System) (int64, error) {
	filters, err := encodeFilters(sys.GlobalFilters)
	if err != nil {
		return 0, err
	}
	q := s.rebind(`INSERT INTO systems (hostname, project_id, project_name, token, username, password, global_filters)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hostname, project_id) DO UPDATE SET
			project_name = CASE WHEN excluded.project_name = '' THEN systems.project_name ELSE excluded.project_name END,
			token = COALESCE(excluded.token, systems.token),
			username = excluded.username,
			password = excluded.password,
			global_filters = excluded.global_filters
		RETURNING id`)
	var id int64
	err = s.db.QueryRowContext(ctx, q,
		sys.BaseURL(), sys.ProjectID, sys.ProjectName, nullString(sys.Token),
		sys.Username, sys.Password, filters,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert system %s/%d: %w", sys.BaseURL(), sys.ProjectID, err)
	}
	return id, nil
}

func (s *Store) GetSystem(ctx context.Context, id int64) (model.System, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+systemCols+` FROM systems WHERE id = ?`), id)
	sys, err := scanSystem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.System{}, fmt.Errorf("system %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.System{}, fmt.Errorf("get system %d: %w", id, err)
	}
	return sys, nil
}

func (s *Store) ListSystems(ctx context.Context) ([]model.System, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+systemCols+` FROM systems ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.System
	for rows.Next() {
		sys, err := scanSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		out = append(out, sys)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSystemToken(ctx context.Context, id int64, token string) error {
	return s.execOne(ctx, "update system token", `UPDATE systems SET token = ? WHERE id = ?`, nullString(token), id)
}

func (s *Store) UpdateSystemProjectName(ctx context.Context, id int64, name string) error {
	return s.execOne(ctx, "update project name", `UPDATE systems SET project_name = ? WHERE id = ?`, name, id)
}

func (s *Store) UpdateSystemFilters(ctx context.Context, id int64, f model.Filters) error {
	enc, err := encodeFilters(f)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "update global filters", `UPDATE systems SET global_filters = ? WHERE id = ?`, enc, id)
}

// execOne runs an update that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, what, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

const queryCols = `id, system_id, remote_id, name, parameters, options, archived, refresh_interval`

func scanQuery(sc scanner) (model.Query, error) {
	var (
		q        model.Query
		options  sql.NullString
		interval sql.NullString
	)
	if err := sc.Scan(&q.ID, &q.SystemID, &q.RemoteID, &q.Name, &q.Parameters, &options, &q.Archived, &interval); err != nil {
		return model.Query{}, err
	}
	q.Options = options.String
	q.RefreshInterval = interval.String
	return q, nil
}

// UpsertQuery stores the remote definition of a query, keyed by system and
// remote id. changed reports whether the stored parameters differ from
// what was there before; new queries are not "changed".
func (s *Store) UpsertQuery(ctx context.Context, q model.Query) (id int64, changed bool, err error) {
	err = s.withWriteTx(ctx, func(tx querier) error {
		var prev string
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT id, parameters FROM queries WHERE system_id = ? AND remote_id = ?`), q.SystemID, q.RemoteID)
		switch err := row.Scan(&id, &prev); {
		case errors.Is(err, sql.ErrNoRows):
			ins := s.rebind(`INSERT INTO queries (system_id, remote_id, name, parameters) VALUES (?, ?, ?, ?) RETURNING id`)
			if err := tx.QueryRowContext(ctx, ins, q.SystemID, q.RemoteID, q.Name, q.Parameters).Scan(&id); err != nil {
				return fmt.Errorf("insert query: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lookup query: %w", err)
		}
		changed = prev != q.Parameters
		_, err := tx.ExecContext(ctx, s.rebind(`UPDATE queries SET name = ?, parameters = ? WHERE id = ?`), q.Name, q.Parameters, id)
		if err != nil {
			return fmt.Errorf("update query: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("upsert query %d/%d: %w", q.SystemID, q.RemoteID, err)
	}
	return id, changed, nil
}

func (s *Store) GetQuery(ctx context.Context, id int64) (model.Query, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+queryCols+` FROM queries WHERE id = ?`), id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Query{}, fmt.Errorf("query %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Query{}, fmt.Errorf("get query %d: %w", id, err)
	}
	return q, nil
}

func (s *Store) listQueries(ctx context.Context, where string, args ...any) ([]model.Query, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+queryCols+` FROM queries WHERE `+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) ListQueries(ctx context.Context, systemID int64) ([]model.Query, error) {
	return s.listQueries(ctx, `system_id = ?`, systemID)
}

// ListScheduledQueries returns non-archived queries with a refresh schedule.
func (s *Store) ListScheduledQueries(ctx context.Context) ([]model.Query, error) {
	return s.listQueries(ctx, `refresh_interval IS NOT NULL AND refresh_interval <> '' AND archived = ?`, false)
}

func (s *Store) UpdateQueryOptions(ctx context.Context, id int64, options []byte) error {
	return s.execOne(ctx, "update query options", `UPDATE queries SET options = ? WHERE id = ?`, nullString(string(options)), id)
}

func (s *Store) SetQuerySchedule(ctx context.Context, id int64, expr string) error {
	return s.execOne(ctx, "set query schedule", `UPDATE queries SET refresh_interval = ? WHERE id = ?`, nullString(expr), id)
}

func (s *Store) SetQueryArchived(ctx context.Context, id int64, archived bool) error {
	return s.execOne(ctx, "set query archived", `UPDATE queries SET archived = ? WHERE id = ?`, archived, id)
}

const pageCols = `id, system_id, name, icon, ordernr, visible, filters`

func scanPage(sc scanner) (model.Page, error) {
	var (
		p       model.Page
		filters string
	)
	if err := sc.Scan(&p.ID, &p.SystemID, &p.Name, &p.Icon, &p.OrderNr, &p.Visible, &filters); err != nil {
		return model.Page{}, err
	}
	p.Filters = decodeFilters(filters)
	return p, nil
}

// UpsertPage inserts or updates the page at (system, ordernr).
func (s *Store) UpsertPage(ctx context.Context, p model.Page) (int64, error) {
	filters, err := encodeFilters(p.Filters)
	if err != nil {
		return 0, err
	}
	q := s.rebind(`INSERT INTO pages (system_id, name, icon, ordernr, visible, filters)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (system_id, ordernr) DO UPDATE SET
			name = excluded.name,
			icon = excluded.icon,
			visible = excluded.visible,
			filters = excluded.filters
		RETURNING id`)
	var id int64
	if err := s.db.QueryRowContext(ctx, q, p.SystemID, p.Name, p.Icon, p.OrderNr, p.Visible, filters).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert page %q: %w", p.Name, err)
	}
	return id, nil
}

func (s *Store) GetPage(ctx context.Context, id int64) (model.Page, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+pageCols+` FROM pages WHERE id = ?`), id)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Page{}, fmt.Errorf("page %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Page{}, fmt.Errorf("get page %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListPages(ctx context.Context, systemID int64) ([]model.Page, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+pageCols+` FROM pages WHERE system_id = ? ORDER BY ordernr`), systemID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePageFilters(ctx context.Context, id int64, f model.Filters) error {
	enc, err := encodeFilters(f)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "update page filters", `UPDATE pages SET filters = ? WHERE id = ?`, enc, id)
}

// DeletePage removes a page; rows, cells and cache rows cascade.
func (s *Store) DeletePage(ctx context.Context, id int64) error {
	return s.execOne(ctx, "delete page", `DELETE FROM pages WHERE id = ?`, id)
}
