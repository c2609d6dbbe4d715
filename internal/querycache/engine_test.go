package querycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/secondary"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/hotness"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/params"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeRemote answers every job with a body derived from its parameters.
type fakeRemote struct {
	mu        sync.Mutex
	submitted []params.Params
	jobs      map[string]params.Params
	submitErr error
	polls     int

	gate        chan struct{} // polling blocks until closed
	submitGate  chan struct{} // the next submission blocks until closed
	submitting  chan struct{} // closed when that submission starts
	timeoutNext bool
	failNext    bool
}

func newFakeRemote() *fakeRemote { return &fakeRemote{jobs: map[string]params.Params{}} }

func (f *fakeRemote) dial(context.Context, model.System) (Remote, error) { return f, nil }

func (f *fakeRemote) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeRemote) last() params.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}

func (f *fakeRemote) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeRemote) SubmitJob(ctx context.Context, p params.Params) (string, error) {
	f.mu.Lock()
	gate, started := f.submitGate, f.submitting
	f.submitGate = nil
	f.mu.Unlock()
	if gate != nil {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, p)
	id := fmt.Sprintf("job-%d", len(f.submitted))
	f.jobs[id] = p
	return id, nil
}

func (f *fakeRemote) PollOnce(_ context.Context, jobID string) (remote.Status, []byte, error) {
	return remote.StatusSuccess, []byte(`{"results":[{"status":"SUCCESS","uuid":"` + jobID + `"}]}`), nil
}

func (f *fakeRemote) PollUntilDone(ctx context.Context, jobID string, _, _ time.Duration) (remote.Result, error) {
	f.mu.Lock()
	f.polls++
	gate := f.gate
	timeout, fail := f.timeoutNext, f.failNext
	f.timeoutNext, f.failNext = false, false
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.Result{}, &remote.TimeoutError{JobID: jobID, Attempts: 1, Err: ctx.Err()}
		}
	}
	switch {
	case timeout:
		return remote.Result{}, &remote.TimeoutError{JobID: jobID, Attempts: 3, Err: context.DeadlineExceeded}
	case fail:
		return remote.Result{}, &remote.JobFailedError{JobID: jobID, Payload: []byte(`{"status":"FAILURE"}`)}
	}
	return f.FetchResult(ctx, jobID)
}

func (f *fakeRemote) FetchResult(_ context.Context, jobID string) (remote.Result, error) {
	f.mu.Lock()
	p, ok := f.jobs[jobID]
	f.mu.Unlock()
	if !ok {
		return remote.Result{}, &remote.RequestError{Op: "result", Status: http.StatusNotFound}
	}
	return remote.Result{Body: []byte("rows " + p.Get(params.KeyFilters) + " " + p.Get(params.KeyQuery)), Mimetype: "text/csv"}, nil
}

type clock struct{ n atomic.Int64 }

// Now advances one second per call.
func (c *clock) Now() time.Time {
	return time.Unix(1_700_000_000+c.n.Add(1), 0).UTC()
}

type fixture struct {
	st                   *store.Store
	path                 string
	system, page, q1, q2 int64
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: path}, quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	st := openStore(t, path)

	sysID, err := st.UpsertSystem(ctx, model.System{Hostname: "https://remote.example", ProjectID: 3, Token: "tok",
		GlobalFilters: model.Filters{"country": {"NL"}}})
	if err != nil {
		t.Fatalf("UpsertSystem: %v", err)
	}
	pageID, err := st.UpsertPage(ctx, model.Page{SystemID: sysID, Name: "Overview", OrderNr: 1, Visible: true})
	if err != nil {
		t.Fatalf("UpsertPage: %v", err)
	}
	q1, _, err := st.UpsertQuery(ctx, model.Query{SystemID: sysID, RemoteID: 17, Name: "Coverage",
		Parameters: `{"script":"aggregation","articlesets":[5],"query":"climate","filters":"{\"country\":[\"NL\",\"BE\"]}"}`})
	if err != nil {
		t.Fatalf("UpsertQuery: %v", err)
	}
	q2, _, err := st.UpsertQuery(ctx, model.Query{SystemID: sysID, RemoteID: 18, Name: "Sources",
		Parameters: `{"script":"aggregation","articlesets":[5]}`})
	if err != nil {
		t.Fatalf("UpsertQuery: %v", err)
	}
	if _, err := st.ReplaceLayout(ctx, pageID, [][]model.CellSpec{{{QueryID: q1, Width: 6}, {QueryID: q2, Width: 6}}}); err != nil {
		t.Fatalf("ReplaceLayout: %v", err)
	}
	return fixture{st: st, path: path, system: sysID, page: pageID, q1: q1, q2: q2}
}

func newEngine(st *store.Store, r *fakeRemote, sec secondary.Store) *Engine {
	c := &clock{}
	return New(st, r.dial, sec, quietLogger(), Config{Now: c.Now})
}

func TestRead_ValidRowIsServedWithoutRemoteCall(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	first, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if first.Source != SourceRemote || first.State != model.StateValid {
		t.Fatalf("first source=%s state=%s want remote/valid", first.Source, first.State)
	}
	if got, want := string(first.Content), `rows {"country":["NL"]} climate`; got != want {
		t.Fatalf("content=%q want %q", got, want)
	}

	second, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if second.Source != SourceDurable {
		t.Fatalf("second source=%s want durable", second.Source)
	}
	if string(second.Content) != string(first.Content) || second.Mimetype != "text/csv" {
		t.Fatalf("second=%q/%q want first content", second.Content, second.Mimetype)
	}
	if !second.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("timestamp=%v want %v", second.Timestamp, first.Timestamp)
	}
	if n := r.submits(); n != 1 {
		t.Fatalf("submits=%d want 1", n)
	}
}

func TestRead_GlobalFilterChangeInvalidatesRow(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	if _, err := e.Read(ctx, f.q1, f.page, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := r.last().Get(params.KeyFilters); got != `{"country":["NL"]}` {
		t.Fatalf("filters=%s want NL only", got)
	}

	if err := f.st.UpdateSystemFilters(ctx, f.system, model.Filters{"country": {"NL", "BE"}}); err != nil {
		t.Fatalf("UpdateSystemFilters: %v", err)
	}
	st, err := e.Status(ctx, f.q1, f.page)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != model.StateStale {
		t.Fatalf("state=%s want stale", st.State)
	}

	res, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("read after change: %v", err)
	}
	if n := r.submits(); n != 2 {
		t.Fatalf("submits=%d want 2", n)
	}
	if got := r.last().Get(params.KeyFilters); got != `{"country":["BE","NL"]}` {
		t.Fatalf("filters=%s want BE,NL", got)
	}
	if res.Tag != st.Tag {
		t.Fatalf("tag=%s want current tag %s", res.Tag, st.Tag)
	}
}

func TestRead_InvalidQueryLeavesRowIntact(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	if _, err := e.Read(ctx, f.q1, f.page, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	before, err := f.st.GetCache(ctx, f.q1, f.page)
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}

	if err := f.st.UpdatePageFilters(ctx, f.page, model.Filters{"medium": {"tv"}}); err != nil {
		t.Fatalf("UpdatePageFilters: %v", err)
	}
	r.submitErr = &remote.RequestError{Op: "submit", Status: http.StatusBadRequest, Body: []byte(`{"query":["syntax error"]}`)}

	_, err = e.Read(ctx, f.q1, f.page, nil)
	var qi *QueryInvalidError
	if !errors.As(err, &qi) {
		t.Fatalf("err=%v want *QueryInvalidError", err)
	}
	if qi.Status != http.StatusBadRequest || string(qi.Body) != `{"query":["syntax error"]}` {
		t.Fatalf("status=%d body=%s", qi.Status, qi.Body)
	}
	if qi.Error() != "Query 'Coverage' is invalid." {
		t.Fatalf("message=%q", qi.Error())
	}

	after, err := f.st.GetCache(ctx, f.q1, f.page)
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if *after.Content != *before.Content || after.Tag != before.Tag || after.JobID != before.JobID || !after.Timestamp.Equal(before.Timestamp) {
		t.Fatalf("row changed: before=%+v after=%+v", before, after)
	}
	if !after.ClaimUntil.IsZero() || after.PendingTag != "" {
		t.Fatalf("rejected submission left claim=%v pending=%q", after.ClaimUntil, after.PendingTag)
	}

	// the claim is gone, so a fixed query is submitted right away
	r.submitErr = nil
	if _, err := e.Read(ctx, f.q1, f.page, nil); err != nil {
		t.Fatalf("read after fix: %v", err)
	}
}

func TestRead_ConcurrentEnginesSubmitOnce(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	r.gate = make(chan struct{})
	engines := []*Engine{
		newEngine(f.st, r, nil),
		newEngine(openStore(t, f.path), r, nil),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			res, err := e.Read(context.Background(), f.q1, f.page, nil)
			if err == nil && !strings.HasPrefix(string(res.Content), "rows ") {
				err = fmt.Errorf("content=%q", res.Content)
			}
			errs <- err
		}(engines[i%2])
	}
	time.Sleep(100 * time.Millisecond)
	close(r.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if n := r.submits(); n != 1 {
		t.Fatalf("submits=%d want 1", n)
	}
}

func TestRead_SubmissionDoesNotHoldOtherPairs(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	r.submitGate = make(chan struct{})
	r.submitting = make(chan struct{})
	first := newEngine(f.st, r, nil)
	second := newEngine(openStore(t, f.path), r, nil)

	slow := make(chan error, 2)
	go func() {
		_, err := first.Read(context.Background(), f.q1, f.page, nil)
		slow <- err
	}()
	select {
	case <-r.submitting:
	case <-time.After(5 * time.Second):
		t.Fatalf("submission of q1 never started")
	}

	// a second reader of the same pair waits for the claimed submission
	go func() {
		_, err := second.Read(context.Background(), f.q1, f.page, nil)
		slow <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	res, err := second.Read(ctx, f.q2, f.page, nil)
	if err != nil {
		t.Fatalf("read of other pair while q1 submits: %v", err)
	}
	if res.Source != SourceRemote {
		t.Fatalf("source=%s want remote", res.Source)
	}
	if _, err := second.SaveLayout(ctx, f.page, [][]model.CellSpec{{{QueryID: f.q1, Width: 6}, {QueryID: f.q2, Width: 6}}}); err != nil {
		t.Fatalf("layout save while q1 submits: %v", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("other pair took %s while q1 was submitting", d)
	}

	close(r.submitGate)
	for range 2 {
		if err := <-slow; err != nil {
			t.Fatalf("q1 read: %v", err)
		}
	}
	if n := r.submits(); n != 2 {
		t.Fatalf("submits=%d want 2 (one per pair)", n)
	}
	row, err := f.st.GetCache(context.Background(), f.q1, f.page)
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if !row.ClaimUntil.IsZero() || row.PendingTag != "" {
		t.Fatalf("row keeps claim=%v pending=%q", row.ClaimUntil, row.PendingTag)
	}
}

func TestRead_CancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	r.gate = make(chan struct{})
	e := newEngine(f.st, r, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := e.Read(ctxA, f.q1, f.page, nil)
		errA <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for r.pollCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("refresh never started polling")
		}
		time.Sleep(5 * time.Millisecond)
	}

	type outcome struct {
		res Result
		err error
	}
	resB := make(chan outcome, 1)
	go func() {
		res, err := e.Read(context.Background(), f.q1, f.page, nil)
		resB <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err=%v want context.Canceled", err)
	}

	close(r.gate)
	b := <-resB
	if b.err != nil {
		t.Fatalf("joined caller failed: %v", b.err)
	}
	if !strings.HasPrefix(string(b.res.Content), "rows ") {
		t.Fatalf("content=%q", b.res.Content)
	}
	if n := r.submits(); n != 1 {
		t.Fatalf("submits=%d want 1", n)
	}
	if n := r.pollCount(); n != 1 {
		t.Fatalf("polls=%d want 1", n)
	}
}

func TestRead_TimeoutLeavesRowPendingAndNextReadResumes(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	r.timeoutNext = true
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	_, err := e.Read(ctx, f.q1, f.page, nil)
	var te *remote.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v want *remote.TimeoutError", err)
	}
	st, err := e.Status(ctx, f.q1, f.page)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != model.StatePending || st.JobID != "job-1" {
		t.Fatalf("status=%+v want pending job-1", st)
	}

	res, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if res.JobID != "job-1" || res.State != model.StateValid {
		t.Fatalf("result job=%s state=%s want job-1/valid", res.JobID, res.State)
	}
	if n := r.submits(); n != 1 {
		t.Fatalf("submits=%d want 1", n)
	}
}

func TestRead_FailedJobIsDroppedAndResubmitted(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	r.failNext = true
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	_, err := e.Read(ctx, f.q1, f.page, nil)
	var jf *remote.JobFailedError
	if !errors.As(err, &jf) {
		t.Fatalf("err=%v want *remote.JobFailedError", err)
	}
	st, _ := e.Status(ctx, f.q1, f.page)
	if st.State != model.StateEmpty || st.JobID != "" {
		t.Fatalf("status=%+v want empty", st)
	}

	if _, err := e.Read(ctx, f.q1, f.page, nil); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if n := r.submits(); n != 2 {
		t.Fatalf("submits=%d want 2", n)
	}
}

func TestRefresh_ForceResubmitsAndKeepsServingOldContent(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	first, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := e.Refresh(ctx, f.q1, f.page, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := r.submits(); n != 1 {
		t.Fatalf("submits=%d want 1 after non-forced refresh", n)
	}

	r.failNext = true
	if _, err := e.Refresh(ctx, f.q1, f.page, true); err == nil {
		t.Fatalf("forced refresh: want error from failed job")
	}
	if n := r.submits(); n != 2 {
		t.Fatalf("submits=%d want 2", n)
	}
	again, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("read after failed refresh: %v", err)
	}
	if again.Source != SourceDurable || string(again.Content) != string(first.Content) {
		t.Fatalf("read=%s/%q want durable old content", again.Source, again.Content)
	}

	forced, err := e.Refresh(ctx, f.q1, f.page, true)
	if err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if !forced.Timestamp.After(first.Timestamp) {
		t.Fatalf("timestamp=%v not after %v", forced.Timestamp, first.Timestamp)
	}
}

func TestRead_OverridesUseSecondaryStoreAndRespectDurableTimestamp(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	sec := secondary.NewLRU(8, 0)
	e := newEngine(f.st, r, sec)
	ctx := context.Background()

	durable, err := e.Read(ctx, f.q1, f.page, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ov := &model.Overrides{QueryText: "energy"}

	adhoc, err := e.Read(ctx, f.q1, f.page, ov)
	if err != nil {
		t.Fatalf("override read: %v", err)
	}
	if adhoc.Source != SourceRemote || !strings.Contains(string(adhoc.Content), "(climate) AND (energy)") {
		t.Fatalf("override read=%s/%q", adhoc.Source, adhoc.Content)
	}
	if sec.Len() != 1 {
		t.Fatalf("secondary entries=%d want 1", sec.Len())
	}

	hit, err := e.Read(ctx, f.q1, f.page, ov)
	if err != nil {
		t.Fatalf("second override read: %v", err)
	}
	if hit.Source != SourceSecondary || r.submits() != 2 {
		t.Fatalf("source=%s submits=%d want secondary/2", hit.Source, r.submits())
	}

	row, _ := f.st.GetCache(ctx, f.q1, f.page)
	if row.Tag != durable.Tag || *row.Content != string(durable.Content) {
		t.Fatalf("override read changed the durable row: %+v", row)
	}

	if _, err := e.Refresh(ctx, f.q1, f.page, true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	stale, err := e.Read(ctx, f.q1, f.page, ov)
	if err != nil {
		t.Fatalf("override read after refresh: %v", err)
	}
	if stale.Source != SourceRemote || r.submits() != 4 {
		t.Fatalf("source=%s submits=%d want remote/4", stale.Source, r.submits())
	}
}

func TestRead_OverrideResultsKeptOnlyOnceAdmitted(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	sec := secondary.NewLRU(8, 0)
	c := &clock{}
	e := New(f.st, r.dial, sec, quietLogger(), Config{
		Now:       c.Now,
		Admission: &hotness.Admission{Hot: hotness.New(time.Hour), Threshold: 1.5},
	})
	ctx := context.Background()
	ov := &model.Overrides{QueryText: "energy"}

	if _, err := e.Read(ctx, f.q1, f.page, ov); err != nil {
		t.Fatalf("first override read: %v", err)
	}
	if sec.Len() != 0 {
		t.Fatalf("secondary entries=%d want 0 before admission", sec.Len())
	}
	if _, err := e.Read(ctx, f.q1, f.page, ov); err != nil {
		t.Fatalf("second override read: %v", err)
	}
	if sec.Len() != 1 {
		t.Fatalf("secondary entries=%d want 1 after admission", sec.Len())
	}
	hit, err := e.Read(ctx, f.q1, f.page, ov)
	if err != nil {
		t.Fatalf("third override read: %v", err)
	}
	if hit.Source != SourceSecondary {
		t.Fatalf("source=%s want secondary", hit.Source)
	}
}

func TestRead_UnknownDateOverrideIsError(t *testing.T) {
	f := setup(t)
	e := newEngine(f.st, newFakeRemote(), nil)
	_, err := e.Read(context.Background(), f.q1, f.page, &model.Overrides{DateOverride: "last decade"})
	if !errors.Is(err, params.ErrUnknownDateOverride) {
		t.Fatalf("err=%v want ErrUnknownDateOverride", err)
	}
}

func TestClear_EmptiesEveryRowOfQuery(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	if _, err := e.Read(ctx, f.q1, f.page, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	n, err := e.Clear(ctx, f.q1)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared=%d want 1", n)
	}
	row, _ := f.st.GetCache(ctx, f.q1, f.page)
	if row.Content != nil || row.Tag != "" || row.JobID != "" || !row.Timestamp.Equal(model.Epoch) {
		t.Fatalf("row not cleared: %+v", row)
	}
	if _, err := e.Clear(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown query err=%v want ErrNotFound", err)
	}
}

func TestRefreshQuery_WarmsEveryPageShowingQuery(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	n, err := e.RefreshQuery(ctx, f.q1)
	if err != nil {
		t.Fatalf("RefreshQuery: %v", err)
	}
	if n != 1 {
		t.Fatalf("refreshed=%d want 1", n)
	}
	row, err := f.st.GetCache(ctx, f.q1, f.page)
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if row.Content == nil || row.JobID == "" {
		t.Fatalf("row not warmed: %+v", row)
	}
	if _, err := e.RefreshQuery(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown query err=%v want ErrNotFound", err)
	}
}

func TestSaveLayout_ValidatesAndRemovesOrphans(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	for _, q := range []int64{f.q1, f.q2} {
		if _, err := e.Read(ctx, q, f.page, nil); err != nil {
			t.Fatalf("read %d: %v", q, err)
		}
	}

	bad := [][]model.CellSpec{{{QueryID: f.q1, Width: 12, Customize: map[string]any{"chart.type": "pie"}}}}
	if _, err := e.SaveLayout(ctx, f.page, bad); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("err=%v want ErrInvalidLayout", err)
	}
	if _, err := e.SaveLayout(ctx, f.page, [][]model.CellSpec{{{QueryID: 9999, Width: 12}}}); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("unknown query err=%v want ErrInvalidLayout", err)
	}

	good := [][]model.CellSpec{{{QueryID: f.q1, Width: 12, Customize: map[string]any{"legend.enabled": false}}}}
	removed, err := e.SaveLayout(ctx, f.page, good)
	if err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d want 1", removed)
	}
	if _, err := f.st.GetCache(ctx, f.q2, f.page); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("orphan row still present: %v", err)
	}
	if _, err := f.st.GetCache(ctx, f.q1, f.page); err != nil {
		t.Fatalf("kept row: %v", err)
	}
	if n, err := e.CleanupOrphans(ctx, f.page); err != nil || n != 0 {
		t.Fatalf("CleanupOrphans=%d,%v want 0", n, err)
	}
}

func TestStartDownload_RequestsCSVWithoutTouchingRow(t *testing.T) {
	f := setup(t)
	r := newFakeRemote()
	e := newEngine(f.st, r, nil)
	ctx := context.Background()

	jobID, err := e.StartDownload(ctx, f.q2, f.page, &model.Overrides{ExtraOptions: map[string]string{params.KeyOutputType: "application/json"}})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if got := r.last().Get(params.KeyOutputType); got != "text/csv" {
		t.Fatalf("output_type=%q want text/csv", got)
	}
	if _, err := f.st.GetCache(ctx, f.q2, f.page); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("download created a cache row: %v", err)
	}

	st, payload, err := e.PollDownload(ctx, f.q2, jobID)
	if err != nil || st != remote.StatusSuccess || !strings.Contains(string(payload), jobID) {
		t.Fatalf("PollDownload=%s,%s,%v", st, payload, err)
	}
	res, err := e.DownloadResult(ctx, f.q2, jobID)
	if err != nil {
		t.Fatalf("DownloadResult: %v", err)
	}
	if res.Mimetype != "text/csv" || !strings.HasPrefix(string(res.Body), "rows ") {
		t.Fatalf("result=%q/%q", res.Body, res.Mimetype)
	}
}

func TestDescribe_ReportsDownloadableOptions(t *testing.T) {
	f := setup(t)
	e := newEngine(f.st, newFakeRemote(), nil)
	ctx := context.Background()

	opts := `{"actions":{"POST":{"output_type":{"choices":[{"value":"text/csv"},{"value":"application/json"}]}}}}`
	if err := f.st.UpdateQueryOptions(ctx, f.q1, []byte(opts)); err != nil {
		t.Fatalf("UpdateQueryOptions: %v", err)
	}
	d, err := e.Describe(ctx, f.q1, f.page)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !d.Downloadable || d.RemoteID != 17 || !strings.Contains(d.TaskURL, "/api/v4/query/aggregation") {
		t.Fatalf("description=%+v", d)
	}
	d2, _ := e.Describe(ctx, f.q2, f.page)
	if d2.Downloadable || d2.Options != nil {
		t.Fatalf("q2 description=%+v", d2)
	}
}

func TestSessionDialer_EndToEnd(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/v4/query/"):
			_, _ = io.WriteString(w, `{"uuid":"u-1"}`)
		case r.URL.Path == "/api/v4/task":
			if polls.Add(1) < 2 {
				_, _ = io.WriteString(w, `{"results":[{"status":"INPROGRESS"}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"results":[{"status":"SUCCESS"}]}`)
		case r.URL.Path == "/api/v4/taskresult/u-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `[{"n":1}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := setup(t)
	ctx := context.Background()
	sysID, err := f.st.UpsertSystem(ctx, model.System{Hostname: srv.URL, ProjectID: 3, Token: "tok"})
	if err != nil {
		t.Fatalf("UpsertSystem: %v", err)
	}
	pageID, _ := f.st.UpsertPage(ctx, model.Page{SystemID: sysID, Name: "Live", OrderNr: 1, Visible: true})
	qID, _, _ := f.st.UpsertQuery(ctx, model.Query{SystemID: sysID, RemoteID: 1, Name: "live", Parameters: `{"script":"aggregation"}`})

	d := remote.NewDialer(srv.Client(), quietLogger(), remote.Options{PollBase: time.Millisecond, PollMax: 2 * time.Millisecond, PollDeadline: 2 * time.Second})
	e := New(f.st, SessionDialer(d), nil, quietLogger(), Config{PollBase: time.Millisecond, PollMax: 2 * time.Millisecond})

	res, err := e.Read(ctx, qID, pageID, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Content) != `[{"n":1}]` || res.Mimetype != "application/json" || res.JobID != "u-1" {
		t.Fatalf("result=%q/%q/%s", res.Content, res.Mimetype, res.JobID)
	}
	srv.CloseClientConnections()
}
