// Package remote is the authenticated client for a system's remote query
// API: job submission, status polling, result and metadata fetches.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/params"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the body and content type of a finished job.
type Result struct {
	Body     []byte
	Mimetype string
}

type Options struct {
	PollBase     time.Duration
	PollMax      time.Duration
	PollDeadline time.Duration
	MaxAttempts  int
	// OnToken is called after a new token was obtained with credentials.
	OnToken func(ctx context.Context, systemID int64, token string)
}

func (o Options) withDefaults() Options {
	if o.PollBase <= 0 {
		o.PollBase = 200 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 2 * time.Second
	}
	if o.PollDeadline <= 0 {
		o.PollDeadline = 2 * time.Minute
	}
	return o
}

type Session struct {
	logger *slog.Logger
	client *http.Client
	system model.System
	base   string
	opts   Options
	token  atomic.Value // string
}

// Open prepares a session for sys. A stored token is used as is; without
// one the system's credentials are exchanged for a token.
func Open(ctx context.Context, sys model.System, client *http.Client, logger *slog.Logger, opts Options) (*Session, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		logger: logger.With("system", sys.ID),
		client: client,
		system: sys,
		base:   sys.BaseURL(),
		opts:   opts.withDefaults(),
	}
	if s.base == "" {
		return nil, fmt.Errorf("system %d has no hostname", sys.ID)
	}
	if tok := strings.TrimSpace(sys.Token); tok != "" {
		s.token.Store(tok)
		return s, nil
	}
	if !s.hasCredentials() {
		return nil, &AuthError{SystemID: sys.ID, Reason: "no token and no credentials"}
	}
	if err := s.refreshToken(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) System() model.System { return s.system }

// Token returns the token currently in use.
func (s *Session) Token() string {
	v, _ := s.token.Load().(string)
	return v
}

func (s *Session) hasCredentials() bool {
	return s.system.Username != "" && s.system.Password != ""
}

// refreshToken exchanges credentials for a token. Concurrent refreshes may
// each obtain a token; the last one stored wins.
func (s *Session) refreshToken(ctx context.Context) error {
	form := url.Values{"username": {s.system.Username}, "password": {s.system.Password}}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/api/v4/get_token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	body, err := readBody(resp)
	observability.ObserveUpstreamLatency("token", resp.StatusCode, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &AuthError{SystemID: s.system.ID, Reason: "token endpoint replied " + strconv.Itoa(resp.StatusCode)}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return &AuthError{SystemID: s.system.ID, Reason: "token endpoint returned no token"}
	}
	s.token.Store(out.Token)
	s.logger.Info("remote token refreshed")
	if s.opts.OnToken != nil {
		s.opts.OnToken(ctx, s.system.ID, out.Token)
	}
	return nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one request. A 401 triggers a single token refresh and retry
// when credentials are available, otherwise it becomes an AuthError.
func (s *Session) do(ctx context.Context, upstream, method, target string, form url.Values) (*response, error) {
	retried := false
	for {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", upstream, err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Token "+s.Token())

		start := time.Now()
		resp, err := s.client.Do(req)
		if err != nil {
			observability.ObserveUpstreamLatency(upstream, 0, time.Since(start).Seconds())
			return nil, fmt.Errorf("remote %s: %w", upstream, err)
		}
		b, err := readBody(resp)
		observability.ObserveUpstreamLatency(upstream, resp.StatusCode, time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", upstream, err)
		}
		s.logger.Debug("remote call", "upstream", upstream, "status", resp.StatusCode, "duration", time.Since(start).String())

		if resp.StatusCode == http.StatusUnauthorized {
			if retried || !s.hasCredentials() {
				return nil, &AuthError{SystemID: s.system.ID, Reason: "401 unauthorized (did the token expire?)"}
			}
			if err := s.refreshToken(ctx); err != nil {
				return nil, err
			}
			retried = true
			continue
		}
		return &response{status: resp.StatusCode, header: resp.Header, body: b}, nil
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func ok(status int) bool { return status >= 200 && status < 300 }

// TaskURL is the job submission endpoint for p. It is part of the cache
// tag, so it must be a pure function of the system and parameters.
func (s *Session) TaskURL(p params.Params) string {
	return TaskURL(s.system, p)
}

func TaskURL(sys model.System, p params.Params) string {
	return fmt.Sprintf("%s/api/v4/query/%s?format=json&project=%d&sets=%s&jobs=%s",
		sys.BaseURL(),
		url.PathEscape(p.Get(params.KeyScript)),
		sys.ProjectID,
		url.QueryEscape(strings.Join(p[params.KeySets], ",")),
		url.QueryEscape(strings.Join(p[params.KeyJobs], ",")),
	)
}

// SubmitJob starts a remote job for p and returns its id.
func (s *Session) SubmitJob(ctx context.Context, p params.Params) (string, error) {
	if p.Get(params.KeyScript) == "" {
		return "", &RequestError{Op: "submit", Status: http.StatusBadRequest, Body: []byte(`{"script":["missing"]}`)}
	}
	resp, err := s.do(ctx, "submit", http.MethodPost, s.TaskURL(p), url.Values(p))
	if err != nil {
		return "", err
	}
	if !ok(resp.status) {
		return "", &RequestError{Op: "submit", Status: resp.status, Body: resp.body}
	}
	var out struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.UUID == "" {
		return "", errors.New("submit response carried no job id")
	}
	return out.UUID, nil
}

// PollOnce performs a single status check of jobID.
func (s *Session) PollOnce(ctx context.Context, jobID string) (Status, []byte, error) {
	target := fmt.Sprintf("%s/api/v4/task?uuid=%s&format=json", s.base, url.QueryEscape(jobID))
	resp, err := s.do(ctx, "status", http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	switch {
	case resp.status == http.StatusTooManyRequests || resp.status == http.StatusServiceUnavailable:
		return "", nil, fmt.Errorf("poll %s: %w", jobID, ErrRateLimited)
	case !ok(resp.status):
		return "", nil, &RequestError{Op: "status", Status: resp.status, Body: resp.body}
	}

	var task struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.body, &task); err != nil {
		return "", nil, fmt.Errorf("decode task status: %w", err)
	}
	if len(task.Results) == 0 {
		return "", nil, fmt.Errorf("task %s: empty status response", jobID)
	}
	switch st := task.Results[0].Status; st {
	case "INPROGRESS", "PENDING":
		return StatusPending, resp.body, nil
	case "SUCCESS":
		return StatusSuccess, resp.body, nil
	case "FAILURE":
		return StatusFailure, resp.body, nil
	default:
		return "", nil, fmt.Errorf("task %s: unknown status %q", jobID, st)
	}
}

// PollUntilDone polls jobID with exponential backoff from base, doubling up
// to maxDelay, until the job finishes or the configured attempts or deadline
// are exhausted. Rate limiting counts as another pending answer.
func (s *Session) PollUntilDone(ctx context.Context, jobID string, base, maxDelay time.Duration) (Result, error) {
	if base <= 0 {
		base = s.opts.PollBase
	}
	if maxDelay <= 0 {
		maxDelay = s.opts.PollMax
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxDelay
	eb.MaxElapsedTime = s.opts.PollDeadline
	eb.Reset()

	var bo backoff.BackOff = eb
	if s.opts.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(s.opts.MaxAttempts))
	}
	bo = backoff.WithContext(bo, ctx)

	attempts := 0
	for {
		attempts++
		status, payload, err := s.PollOnce(ctx, jobID)
		switch {
		case errors.Is(err, ErrRateLimited):
			s.logger.Warn("task status rate limited", "job_id", jobID, "attempt", attempts)
		case err != nil:
			if ctx.Err() != nil {
				return Result{}, &TimeoutError{JobID: jobID, Attempts: attempts, Err: ctx.Err()}
			}
			return Result{}, err
		case status == StatusSuccess:
			return s.FetchResult(ctx, jobID)
		case status == StatusFailure:
			return Result{}, &JobFailedError{JobID: jobID, Payload: payload}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return Result{}, &TimeoutError{JobID: jobID, Attempts: attempts, Err: ctx.Err()}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{}, &TimeoutError{JobID: jobID, Attempts: attempts, Err: ctx.Err()}
		case <-t.C:
		}
	}
}

// FetchResult downloads the output of a finished job.
func (s *Session) FetchResult(ctx context.Context, jobID string) (Result, error) {
	target := fmt.Sprintf("%s/api/v4/taskresult/%s?format=json", s.base, url.PathEscape(jobID))
	resp, err := s.do(ctx, "result", http.MethodGet, target, nil)
	if err != nil {
		return Result{}, err
	}
	if !ok(resp.status) {
		return Result{}, &RequestError{Op: "result", Status: resp.status, Body: resp.body}
	}
	return Result{Body: resp.body, Mimetype: resp.header.Get("Content-Type")}, nil
}

// FetchOptions returns the option schema of the task endpoint.
//
// Only failures to talk to the remote side are errors: a transport error,
// or an *AuthError when the 401 cannot be cured by a token refresh. A
// non-2xx reply or a body that is not JSON means the endpoint offers no
// schema and yields nil, nil.
func (s *Session) FetchOptions(ctx context.Context, p params.Params) ([]byte, error) {
	resp, err := s.do(ctx, "options", http.MethodOptions, s.TaskURL(p), nil)
	if err != nil {
		return nil, err
	}
	if !ok(resp.status) || !json.Valid(resp.body) {
		return nil, nil
	}
	return resp.body, nil
}

// RemoteQuery is a saved query definition on the remote service.
type RemoteQuery struct {
	ID         int64
	Name       string
	Parameters string
}

type remoteQueryJSON struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

func (q remoteQueryJSON) decode() RemoteQuery {
	raw := bytes.TrimSpace(q.Parameters)
	out := RemoteQuery{ID: q.ID, Name: q.Name}
	var text string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &text) == nil {
		out.Parameters = text
	} else {
		out.Parameters = string(raw)
	}
	return out
}

// FetchQuery loads one saved query of the system's project.
func (s *Session) FetchQuery(ctx context.Context, remoteID int64) (RemoteQuery, error) {
	target := fmt.Sprintf("%s/api/v4/projects/%d/querys/%d/?format=json", s.base, s.system.ProjectID, remoteID)
	resp, err := s.do(ctx, "query", http.MethodGet, target, nil)
	if err != nil {
		return RemoteQuery{}, err
	}
	if !ok(resp.status) {
		return RemoteQuery{}, &RequestError{Op: "query", Status: resp.status, Body: resp.body}
	}
	var q remoteQueryJSON
	if err := json.Unmarshal(resp.body, &q); err != nil {
		return RemoteQuery{}, fmt.Errorf("decode query %d: %w", remoteID, err)
	}
	if q.ID == 0 {
		q.ID = remoteID
	}
	return q.decode(), nil
}

const maxListPages = 1000

// ListQueries walks every page of the project's saved queries.
func (s *Session) ListQueries(ctx context.Context) ([]RemoteQuery, error) {
	next := fmt.Sprintf("%s/api/v4/projects/%d/querys/?format=json", s.base, s.system.ProjectID)
	var out []RemoteQuery
	for page := 0; next != ""; page++ {
		if page >= maxListPages {
			return nil, fmt.Errorf("query list exceeds %d pages", maxListPages)
		}
		resp, err := s.do(ctx, "query_list", http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		if !ok(resp.status) {
			return nil, &RequestError{Op: "query_list", Status: resp.status, Body: resp.body}
		}
		var pg struct {
			Next    *string           `json:"next"`
			Results []remoteQueryJSON `json:"results"`
		}
		if err := json.Unmarshal(resp.body, &pg); err != nil {
			return nil, fmt.Errorf("decode query list: %w", err)
		}
		for _, q := range pg.Results {
			out = append(out, q.decode())
		}
		next = ""
		if pg.Next != nil {
			next = *pg.Next
		}
	}
	return out, nil
}

// ProjectName looks up the name of the linked remote project.
func (s *Session) ProjectName(ctx context.Context) (string, error) {
	target := fmt.Sprintf("%s/api/v4/projects/%d/?format=json", s.base, s.system.ProjectID)
	resp, err := s.do(ctx, "project", http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	if !ok(resp.status) {
		return "", &RequestError{Op: "project", Status: resp.status, Body: resp.body}
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("decode project: %w", err)
	}
	return out.Name, nil
}

// Ping checks that the current token is accepted.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.do(ctx, "ping", http.MethodGet, s.base+"/api/v4/users/me/?format=json", nil)
	if err != nil {
		return err
	}
	if !ok(resp.status) {
		return &RequestError{Op: "ping", Status: resp.status, Body: resp.body}
	}
	return nil
}
