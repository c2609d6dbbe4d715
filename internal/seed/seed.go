// Package seed loads a declarative description of systems, queries and
// pages from a TOML or YAML file and writes it to the store.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
)

type File struct {
	Systems []System `toml:"systems" yaml:"systems"`
}

type System struct {
	Hostname      string              `toml:"hostname" yaml:"hostname"`
	ProjectID     int64               `toml:"project_id" yaml:"project_id"`
	Token         string              `toml:"token" yaml:"token"`
	Username      string              `toml:"username" yaml:"username"`
	Password      string              `toml:"password" yaml:"password"`
	GlobalFilters map[string][]string `toml:"global_filters" yaml:"global_filters"`
	Queries       []Query             `toml:"queries" yaml:"queries"`
	Pages         []Page              `toml:"pages" yaml:"pages"`
}

type Query struct {
	RemoteID   int64  `toml:"remote_id" yaml:"remote_id"`
	Name       string `toml:"name" yaml:"name"`
	Parameters string `toml:"parameters" yaml:"parameters"`
	Schedule   string `toml:"schedule" yaml:"schedule"`
}

type Page struct {
	Name    string              `toml:"name" yaml:"name"`
	Icon    string              `toml:"icon" yaml:"icon"`
	OrderNr int                 `toml:"order" yaml:"order"`
	Hidden  bool                `toml:"hidden" yaml:"hidden"`
	Filters map[string][]string `toml:"filters" yaml:"filters"`
	Rows    []Row               `toml:"rows" yaml:"rows"`
}

type Row struct {
	Cells []Cell `toml:"cells" yaml:"cells"`
}

// Cell refers to its query by remote id.
type Cell struct {
	Query     int64          `toml:"query" yaml:"query"`
	Width     int            `toml:"width" yaml:"width"`
	Title     string         `toml:"title" yaml:"title"`
	Customize map[string]any `toml:"customize" yaml:"customize"`
}

// Load reads a seed file; the format follows the file extension.
func Load(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read seed: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(b, &f)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	default:
		return f, fmt.Errorf("seed %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return f, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return f, nil
}

// LayoutSaver validates and stores a page layout.
type LayoutSaver interface {
	SaveLayout(ctx context.Context, pageID int64, layout [][]model.CellSpec) (int64, error)
}

// Apply upserts everything in f. It is safe to run on every start.
func Apply(ctx context.Context, st *store.Store, layouts LayoutSaver, f File) error {
	for _, s := range f.Systems {
		sysID, err := st.UpsertSystem(ctx, model.System{
			Hostname: s.Hostname, ProjectID: s.ProjectID, Token: s.Token,
			Username: s.Username, Password: s.Password, GlobalFilters: s.GlobalFilters,
		})
		if err != nil {
			return err
		}

		byRemote := make(map[int64]int64, len(s.Queries))
		for _, q := range s.Queries {
			id, _, err := st.UpsertQuery(ctx, model.Query{
				SystemID: sysID, RemoteID: q.RemoteID, Name: q.Name, Parameters: q.Parameters,
			})
			if err != nil {
				return err
			}
			if err := st.SetQuerySchedule(ctx, id, q.Schedule); err != nil {
				return err
			}
			byRemote[q.RemoteID] = id
		}

		for _, p := range s.Pages {
			pageID, err := st.UpsertPage(ctx, model.Page{
				SystemID: sysID, Name: p.Name, Icon: p.Icon, OrderNr: p.OrderNr,
				Visible: !p.Hidden, Filters: p.Filters,
			})
			if err != nil {
				return err
			}
			layout := make([][]model.CellSpec, 0, len(p.Rows))
			for _, r := range p.Rows {
				cells := make([]model.CellSpec, 0, len(r.Cells))
				for _, c := range r.Cells {
					qid, ok := byRemote[c.Query]
					if !ok {
						return fmt.Errorf("page %q: cell refers to undeclared query %d", p.Name, c.Query)
					}
					cells = append(cells, model.CellSpec{QueryID: qid, Width: c.Width, Title: c.Title, Customize: c.Customize})
				}
				layout = append(layout, cells)
			}
			if _, err := layouts.SaveLayout(ctx, pageID, layout); err != nil {
				return fmt.Errorf("page %q: %w", p.Name, err)
			}
		}
	}
	return nil
}
