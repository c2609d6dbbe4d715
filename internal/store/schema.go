package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once with {{...}} type markers that
// are expanded per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS systems (
		id {{id}},
		hostname TEXT NOT NULL,
		project_id BIGINT NOT NULL DEFAULT 0,
		project_name TEXT NOT NULL DEFAULT '',
		token TEXT,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		global_filters TEXT NOT NULL DEFAULT '{}',
		UNIQUE (hostname, project_id)
	)`,
	`CREATE TABLE IF NOT EXISTS queries (
		id {{id}},
		system_id BIGINT NOT NULL REFERENCES systems(id) ON DELETE CASCADE,
		remote_id BIGINT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		parameters TEXT NOT NULL DEFAULT '{}',
		options TEXT,
		archived {{bool}} NOT NULL DEFAULT {{false}},
		refresh_interval TEXT,
		UNIQUE (system_id, remote_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id {{id}},
		system_id BIGINT NOT NULL REFERENCES systems(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		ordernr INTEGER NOT NULL,
		visible {{bool}} NOT NULL DEFAULT {{true}},
		filters TEXT NOT NULL DEFAULT '{}',
		UNIQUE (system_id, ordernr)
	)`,
	`CREATE TABLE IF NOT EXISTS page_rows (
		id {{id}},
		page_id BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
		ordernr INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cells (
		id {{id}},
		page_id BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
		row_id BIGINT NOT NULL REFERENCES page_rows(id) ON DELETE CASCADE,
		query_id BIGINT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
		width INTEGER NOT NULL,
		ordernr INTEGER NOT NULL,
		title TEXT,
		theme_id BIGINT,
		customize TEXT,
		UNIQUE (page_id, row_id, ordernr)
	)`,
	`CREATE TABLE IF NOT EXISTS query_cache (
		id {{id}},
		query_id BIGINT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
		page_id BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
		cache TEXT,
		cache_mimetype TEXT,
		cache_tag VARCHAR(36),
		cache_timestamp BIGINT NOT NULL DEFAULT 0,
		cache_job_id TEXT,
		cache_pending_tag VARCHAR(36),
		cache_claim_until BIGINT NOT NULL DEFAULT 0,
		UNIQUE (query_id, page_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queries_refresh ON queries(refresh_interval)`,
	`CREATE INDEX IF NOT EXISTS idx_cells_page_query ON cells(page_id, query_id)`,
	`CREATE INDEX IF NOT EXISTS idx_query_cache_page ON query_cache(page_id)`,
}

func (s *Store) expand(stmt string) string {
	r := strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{bool}}", "INTEGER",
		"{{false}}", "0",
		"{{true}}", "1",
	)
	if s.dialect == Postgres {
		r = strings.NewReplacer(
			"{{id}}", "BIGSERIAL PRIMARY KEY",
			"{{bool}}", "BOOLEAN",
			"{{false}}", "FALSE",
			"{{true}}", "TRUE",
		)
	}
	return r.Replace(stmt)
}

// addedColumns are columns introduced after the first schema; tables
// created earlier get them on the next Migrate.
var addedColumns = []struct{ table, column, def string }{
	{"query_cache", "cache_claim_until", "BIGINT NOT NULL DEFAULT 0"},
}

// Migrate creates missing tables, columns and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, s.expand(stmt)); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	for _, c := range addedColumns {
		if err := s.addColumn(ctx, c.table, c.column, c.def); err != nil {
			return err
		}
	}
	s.logger.Info("schema migrated", "dialect", string(s.dialect), "statements", len(schema))
	return nil
}

func (s *Store) addColumn(ctx context.Context, table, column, def string) error {
	if s.dialect == Postgres {
		q := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`, table, column, def)
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, column, err)
		}
		return nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
