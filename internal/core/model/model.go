// Package model defines core domain types shared across the service.
package model

import (
	"sort"
	"strings"
	"time"
)

// Epoch marks a cache row that has never been populated.
var Epoch = time.Unix(0, 0).UTC()

// Filters maps a field name to the values it is constrained to.
type Filters map[string][]string

// Fields returns the filter field names in sorted order.
func (f Filters) Fields() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type System struct {
	ID            int64
	Hostname      string
	ProjectID     int64
	ProjectName   string
	Token         string
	Username      string
	Password      string
	GlobalFilters Filters
}

// BaseURL is the hostname without a trailing slash.
func (s System) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.Hostname), "/")
}

type Query struct {
	ID              int64
	SystemID        int64
	RemoteID        int64
	Name            string
	Parameters      string
	Options         string
	Archived        bool
	RefreshInterval string
}

type Page struct {
	ID       int64
	SystemID int64
	Name     string
	Icon     string
	OrderNr  int
	Visible  bool
	Filters  Filters
}

type Row struct {
	ID      int64
	PageID  int64
	OrderNr int
}

type Cell struct {
	ID        int64
	PageID    int64
	RowID     int64
	QueryID   int64
	Width     int
	OrderNr   int
	Title     string
	ThemeID   *int64
	Customize map[string]any
}

// CellSpec is one cell of a submitted page layout; its row and order
// number follow from its position in the layout.
type CellSpec struct {
	QueryID   int64          `json:"query_id"`
	Width     int            `json:"width"`
	Title     string         `json:"title,omitempty"`
	ThemeID   *int64         `json:"theme_id,omitempty"`
	Customize map[string]any `json:"customize,omitempty"`
}

type CacheState string

const (
	StateEmpty   CacheState = "empty"
	StatePending CacheState = "pending"
	StateValid   CacheState = "valid"
	StateStale   CacheState = "stale"
)

// QueryCache is the durable cache row for one (query, page) pair.
// PendingTag is set while a remote job submitted for that tag is in flight.
type QueryCache struct {
	ID         int64
	QueryID    int64
	PageID     int64
	Content    *string
	Mimetype   string
	Tag        string
	Timestamp  time.Time
	JobID      string
	PendingTag string
	// ClaimUntil is the lease of a caller submitting a job for this row.
	ClaimUntil time.Time
}

// IsValid reports whether the stored content was produced for tag.
func (c QueryCache) IsValid(tag string) bool {
	return c.Content != nil && c.JobID != "" && c.Tag != "" && c.Tag == tag
}

// InFlight reports whether a submitted job for tag has not been collected yet.
func (c QueryCache) InFlight(tag string) bool {
	return c.JobID != "" && c.PendingTag != "" && c.PendingTag == tag
}

// Claimed reports whether another caller holds an unexpired submission
// lease on the row.
func (c QueryCache) Claimed(now time.Time) bool {
	return !c.ClaimUntil.IsZero() && c.ClaimUntil.After(now)
}

func (c QueryCache) State(tag string) CacheState {
	switch {
	case c.IsValid(tag):
		return StateValid
	case c.Content != nil:
		return StateStale
	case c.JobID != "":
		return StatePending
	default:
		return StateEmpty
	}
}

// Clear resets every cached field as one unit.
func (c *QueryCache) Clear() {
	c.Content = nil
	c.Mimetype = ""
	c.Tag = ""
	c.Timestamp = Epoch
	c.JobID = ""
	c.PendingTag = ""
}

// Overrides are ad-hoc parameters supplied by a caller for a single read.
type Overrides struct {
	QueryText    string
	DateOverride string
	ExtraFilters Filters
	ExtraOptions map[string]string
}

func (o *Overrides) IsZero() bool {
	if o == nil {
		return true
	}
	return strings.TrimSpace(o.QueryText) == "" &&
		strings.TrimSpace(o.DateOverride) == "" &&
		len(o.ExtraFilters) == 0 &&
		len(o.ExtraOptions) == 0
}
