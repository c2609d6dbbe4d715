package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querycache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParse_StepMatchesQuarterHours(t *testing.T) {
	s, err := Parse("*/15 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, tc := range []struct {
		ts   string
		want bool
	}{
		{"2024-03-04T10:00:00Z", true},
		{"2024-03-04T10:15:00Z", true},
		{"2024-03-04T10:45:59Z", true},
		{"2024-03-04T10:07:00Z", false},
	} {
		if got := s.Matches(at(tc.ts)); got != tc.want {
			t.Fatalf("Matches(%s)=%v want %v", tc.ts, got, tc.want)
		}
	}
}

func TestParse_WeekdayCountsFromMonday(t *testing.T) {
	s, err := Parse("0 9 * * 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// 2024-03-05 is a Tuesday, weekday 1
	if !s.Matches(at("2024-03-05T09:00:00Z")) {
		t.Fatalf("want match on Tuesday 09:00")
	}
	if s.Matches(at("2024-03-04T09:00:00Z")) {
		t.Fatalf("Monday must not match weekday 1")
	}
	if s.Matches(at("2024-03-05T09:01:00Z")) {
		t.Fatalf("09:01 must not match")
	}
}

func TestParse_ListsAndSingleValues(t *testing.T) {
	s, err := Parse("0,30 8,20 1 6 *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !s.Matches(at("2024-06-01T20:30:00Z")) || s.Matches(at("2024-06-02T20:30:00Z")) {
		t.Fatalf("list matching wrong")
	}
	if s.String() != "0,30 8,20 1 6 *" {
		t.Fatalf("String()=%q", s.String())
	}
}

func TestParse_RejectsInvalidExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"1-5 * * * *",
		"*/0 * * * *",
		"61 * * * *",
		"* * * * 7",
		"a * * * *",
		"*/ * * * *",
	} {
		_, err := Parse(expr)
		var ie *InvalidScheduleError
		if !errors.As(err, &ie) {
			t.Fatalf("Parse(%q) err=%v want *InvalidScheduleError", expr, err)
		}
	}
}

func TestGetDue_SkipsInvalidAndArchived(t *testing.T) {
	qs := []model.Query{
		{ID: 1, RefreshInterval: "*/15 * * * *"},
		{ID: 2, RefreshInterval: "0 9 * * 1"},
		{ID: 3, RefreshInterval: "1-5 * * * *"},
		{ID: 4, RefreshInterval: "* * * * *", Archived: true},
		{ID: 5},
	}
	due, invalid := GetDue(qs, at("2024-03-04T10:30:00Z"))
	var ids []int64
	for _, q := range due {
		ids = append(ids, q.ID)
	}
	if diff := cmp.Diff([]int64{1}, ids); diff != "" {
		t.Fatalf("due mismatch (-want +got):\n%s", diff)
	}
	if len(invalid) != 1 {
		t.Fatalf("invalid=%d want 1", len(invalid))
	}
	var ie *InvalidScheduleError
	if !errors.As(invalid[0], &ie) || ie.QueryID != 3 {
		t.Fatalf("invalid[0]=%v want query 3", invalid[0])
	}
}

func TestCheckSecret(t *testing.T) {
	if !CheckSecret("s3cret", "s3cret") {
		t.Fatalf("equal secrets must match")
	}
	if CheckSecret("s3cre", "s3cret") || CheckSecret("", "") {
		t.Fatalf("mismatch or empty secret must not match")
	}
}

type fakeSource struct {
	queries []model.Query
	rows    map[int64][]model.QueryCache
}

func (f *fakeSource) ListScheduledQueries(context.Context) ([]model.Query, error) { return f.queries, nil }

func (f *fakeSource) ListCachesForQuery(_ context.Context, id int64) ([]model.QueryCache, error) {
	return f.rows[id], nil
}

type call struct {
	query, page int64
	force       bool
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []call
	fail  map[int64]bool
}

func (f *fakeRefresher) Refresh(_ context.Context, q, p int64, force bool) (querycache.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{q, p, force})
	if f.fail[p] {
		return querycache.Result{}, errors.New("remote down")
	}
	return querycache.Result{}, nil
}

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweep_ForcesEveryRowAndContinuesPastFailures(t *testing.T) {
	src := &fakeSource{
		queries: []model.Query{
			{ID: 1, RefreshInterval: "*/15 * * * *"},
			{ID: 2, RefreshInterval: "0 9 * * 1"},
			{ID: 3, RefreshInterval: "bogus"},
		},
		rows: map[int64][]model.QueryCache{
			1: {{QueryID: 1, PageID: 10}, {QueryID: 1, PageID: 11}, {QueryID: 1, PageID: 12}},
			2: {{QueryID: 2, PageID: 10}},
		},
	}
	ref := &fakeRefresher{fail: map[int64]bool{11: true}}
	tr := NewTrigger(src, ref, quietLogger(), time.UTC)

	rep, err := tr.Sweep(context.Background(), at("2024-03-04T10:45:00Z"))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := Report{Due: 1, Refreshed: 2, Failed: 1, Invalid: 1}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []call{{1, 10, true}, {1, 11, true}, {1, 12, true}}
	if diff := cmp.Diff(wantCalls, ref.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestStart_SweepsEachMinuteOnceAndStops(t *testing.T) {
	src := &fakeSource{
		queries: []model.Query{{ID: 1, RefreshInterval: "* * * * *"}},
		rows:    map[int64][]model.QueryCache{1: {{QueryID: 1, PageID: 10}}},
	}
	ref := &fakeRefresher{}
	tr := NewTrigger(src, ref, quietLogger(), time.UTC)

	fixed := at("2024-03-04T10:45:10Z")
	tr.Start(context.Background(), 5*time.Millisecond, func() time.Time { return fixed })
	deadline := time.Now().Add(2 * time.Second)
	for ref.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	tr.Stop()

	if n := ref.count(); n != 1 {
		t.Fatalf("refreshes=%d want 1 for a single minute", n)
	}
}
