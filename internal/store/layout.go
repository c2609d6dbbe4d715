package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

const orphanCachesSQL = `DELETE FROM query_cache WHERE page_id = ? AND query_id NOT IN (
	SELECT DISTINCT query_id FROM cells WHERE page_id = ?)`

// ReplaceLayout swaps the rows and cells of a page for the given layout and
// deletes cache rows of queries the page no longer shows, all in one
// transaction. It returns the number of cache rows removed.
func (s *Store) ReplaceLayout(ctx context.Context, pageID int64, layout [][]model.CellSpec) (int64, error) {
	var removed int64
	err := s.withWriteTx(ctx, func(tx querier) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cells WHERE page_id = ?`), pageID); err != nil {
			return fmt.Errorf("delete cells: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM page_rows WHERE page_id = ?`), pageID); err != nil {
			return fmt.Errorf("delete rows: %w", err)
		}

		insRow := s.rebind(`INSERT INTO page_rows (page_id, ordernr) VALUES (?, ?) RETURNING id`)
		insCell := s.rebind(`INSERT INTO cells (page_id, row_id, query_id, width, ordernr, title, theme_id, customize)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		for rowNr, cells := range layout {
			var rowID int64
			if err := tx.QueryRowContext(ctx, insRow, pageID, rowNr).Scan(&rowID); err != nil {
				return fmt.Errorf("insert row %d: %w", rowNr, err)
			}
			for cellNr, c := range cells {
				custom, err := encodeCustomize(c.Customize)
				if err != nil {
					return fmt.Errorf("row %d cell %d: %w", rowNr, cellNr, err)
				}
				var theme sql.NullInt64
				if c.ThemeID != nil {
					theme = sql.NullInt64{Int64: *c.ThemeID, Valid: true}
				}
				if _, err := tx.ExecContext(ctx, insCell,
					pageID, rowID, c.QueryID, c.Width, cellNr, nullString(c.Title), theme, custom,
				); err != nil {
					return fmt.Errorf("insert row %d cell %d: %w", rowNr, cellNr, err)
				}
			}
		}

		res, err := tx.ExecContext(ctx, s.rebind(orphanCachesSQL), pageID, pageID)
		if err != nil {
			return fmt.Errorf("delete orphan caches: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replace layout of page %d: %w", pageID, err)
	}
	if removed > 0 {
		s.logger.Info("orphan cache rows removed", "page_id", pageID, "rows", removed)
	}
	return removed, nil
}

// DeleteOrphanCaches removes cache rows of pageID whose query no cell of
// the page references.
func (s *Store) DeleteOrphanCaches(ctx context.Context, pageID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(orphanCachesSQL), pageID, pageID)
	if err != nil {
		return 0, fmt.Errorf("delete orphan caches of page %d: %w", pageID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func encodeCustomize(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode customize: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// ListCells returns the cells of a page ordered by row and position.
func (s *Store) ListCells(ctx context.Context, pageID int64) ([]model.Cell, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT c.id, c.page_id, c.row_id, c.query_id, c.width, c.ordernr, c.title, c.theme_id, c.customize
		FROM cells c JOIN page_rows r ON r.id = c.row_id
		WHERE c.page_id = ? ORDER BY r.ordernr, c.ordernr`), pageID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Cell
	for rows.Next() {
		var (
			c      model.Cell
			title  sql.NullString
			theme  sql.NullInt64
			custom sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.PageID, &c.RowID, &c.QueryID, &c.Width, &c.OrderNr, &title, &theme, &custom); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		c.Title = title.String
		if theme.Valid {
			id := theme.Int64
			c.ThemeID = &id
		}
		if custom.Valid {
			if err := json.Unmarshal([]byte(custom.String), &c.Customize); err != nil {
				c.Customize = nil
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PagesShowingQuery lists the ids of pages with a cell bound to queryID.
func (s *Store) PagesShowingQuery(ctx context.Context, queryID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT DISTINCT page_id FROM cells WHERE query_id = ? ORDER BY page_id`), queryID)
	if err != nil {
		return nil, fmt.Errorf("pages showing query %d: %w", queryID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan page id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
