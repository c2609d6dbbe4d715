package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/logger"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/schedule"
)

const maxLayoutBody = 1 << 20

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw)
	}
	return id, nil
}

func cellIDs(r *http.Request) (queryID, pageID int64, err error) {
	if pageID, err = pathID(r, "pageID"); err != nil {
		return 0, 0, err
	}
	if queryID, err = pathID(r, "queryID"); err != nil {
		return 0, 0, err
	}
	return queryID, pageID, nil
}

// ParseOverrides reads ad-hoc parameters from the query string: q replaces
// the query text, date picks a relative period, filter.<field> (repeatable)
// narrows a filter and opt.<key> sets a remote option. It returns nil when
// none are present.
func ParseOverrides(r *http.Request) *model.Overrides {
	vals := r.URL.Query()
	ov := &model.Overrides{
		QueryText:    strings.TrimSpace(vals.Get("q")),
		DateOverride: strings.TrimSpace(vals.Get("date")),
	}
	for k, vs := range vals {
		switch {
		case strings.HasPrefix(k, "filter."):
			field := strings.TrimPrefix(k, "filter.")
			if field == "" {
				continue
			}
			for _, v := range vs {
				if v = strings.TrimSpace(v); v != "" {
					if ov.ExtraFilters == nil {
						ov.ExtraFilters = model.Filters{}
					}
					ov.ExtraFilters[field] = append(ov.ExtraFilters[field], v)
				}
			}
		case strings.HasPrefix(k, "opt."):
			key := strings.TrimPrefix(k, "opt.")
			if key == "" || len(vs) == 0 {
				continue
			}
			if ov.ExtraOptions == nil {
				ov.ExtraOptions = map[string]string{}
			}
			ov.ExtraOptions[key] = vs[len(vs)-1]
		}
	}
	if ov.IsZero() {
		return nil
	}
	return ov
}

func (a *api) result(w http.ResponseWriter, r *http.Request) {
	queryID, pageID, err := cellIDs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.Cache.Read(r.Context(), queryID, pageID, ParseOverrides(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ctx := logger.WithCacheState(r.Context(), string(res.State))
	a.Logger.DebugContext(ctx, "result served", "query_id", queryID, "page_id", pageID, "source", string(res.Source))

	etag := keys.ContentETag(res.Content)
	h := w.Header()
	h.Set("X-Cache-State", string(res.State))
	h.Set("X-Cache-Source", string(res.Source))
	h.Set("X-Cache-Timestamp", res.Timestamp.UTC().Format(time.RFC3339))
	h.Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	mimetype := res.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	h.Set("Content-Type", mimetype)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	queryID, pageID, err := cellIDs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	st, err := a.Cache.Status(r.Context(), queryID, pageID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var ts *time.Time
	if !st.Timestamp.IsZero() && !st.Timestamp.Equal(model.Epoch) {
		t := st.Timestamp.UTC()
		ts = &t
	}
	writeJSON(w, http.StatusOK, struct {
		State     model.CacheState `json:"state"`
		JobID     string           `json:"job_id,omitempty"`
		Timestamp *time.Time       `json:"timestamp"`
		Tag       string           `json:"tag"`
	}{st.State, st.JobID, ts, st.Tag})
}

func (a *api) describe(w http.ResponseWriter, r *http.Request) {
	queryID, pageID, err := cellIDs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	d, err := a.Cache.Describe(r.Context(), queryID, pageID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		QueryID      int64               `json:"query_id"`
		RemoteID     int64               `json:"remote_id"`
		Name         string              `json:"name"`
		Params       map[string][]string `json:"params"`
		Options      json.RawMessage     `json:"options,omitempty"`
		TaskURL      string              `json:"task_url"`
		Tag          string              `json:"tag"`
		Downloadable bool                `json:"downloadable"`
	}{d.QueryID, d.RemoteID, d.Name, d.Params, d.Options, d.TaskURL, d.Tag, d.Downloadable})
}

// clear drops the cached results of a query and reloads its definition.
// With refresh=1 every page showing the query is refreshed before the
// response is sent.
func (a *api) clear(w http.ResponseWriter, r *http.Request) {
	queryID, err := pathID(r, "queryID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ctx := r.Context()
	cleared, err := a.Cache.Clear(ctx, queryID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if a.Sync != nil {
		if _, err := a.Sync.SyncQuery(ctx, queryID); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	out := struct {
		Cleared   int64 `json:"cleared"`
		Refreshed int   `json:"refreshed"`
	}{Cleared: cleared}
	if v := r.URL.Query().Get("refresh"); v == "1" || v == "true" {
		n, err := a.Cache.RefreshQuery(ctx, queryID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		out.Refreshed = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) saveLayout(w http.ResponseWriter, r *http.Request) {
	pageID, err := pathID(r, "pageID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var layout [][]model.CellSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLayoutBody)).Decode(&layout); err != nil {
		a.fail(w, r, fmt.Errorf("%w: decode layout: %v", errBadRequest, err))
		return
	}
	if _, err := a.Cache.SaveLayout(r.Context(), pageID, layout); err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte("OK"))
}

func (a *api) startDownload(w http.ResponseWriter, r *http.Request) {
	queryID, pageID, err := cellIDs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	jobID, err := a.Cache.StartDownload(r.Context(), queryID, pageID, ParseOverrides(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (a *api) pollDownload(w http.ResponseWriter, r *http.Request) {
	queryID, _, err := cellIDs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	st, payload, err := a.Cache.PollDownload(r.Context(), queryID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := struct {
		Status    remote.Status   `json:"status"`
		Task      json.RawMessage `json:"task,omitempty"`
		ResultURL string          `json:"result_url,omitempty"`
	}{Status: st}
	if json.Valid(payload) {
		out.Task = payload
	}
	if st == remote.StatusSuccess {
		out.ResultURL = strings.TrimSuffix(r.URL.Path, "/") + "/result"
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) downloadResult(w http.ResponseWriter, r *http.Request) {
	queryID, _, err := cellIDs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	res, err := a.Cache.DownloadResult(r.Context(), queryID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	mimetype := res.Mimetype
	if mimetype == "" {
		mimetype = "text/csv"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="query-%d.csv"`, queryID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func (a *api) syncSystem(w http.ResponseWriter, r *http.Request) {
	systemID, err := pathID(r, "systemID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if a.Sync == nil {
		a.fail(w, r, fmt.Errorf("%w: synchronisation disabled", errBadRequest))
		return
	}
	rep, err := a.Sync.SyncSystem(logger.WithSystem(r.Context(), systemID), systemID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"seen": rep.Seen, "added": rep.Added, "changed": rep.Changed, "archived": rep.Archived,
	})
}

// cron runs one scheduler sweep. Individual refresh failures are logged by
// the sweep and do not fail the request.
func (a *api) cron(w http.ResponseWriter, r *http.Request) {
	if !schedule.CheckSecret(chi.URLParam(r, "secret"), a.CronSecret) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if a.Trigger == nil {
		http.Error(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	if _, err := a.Trigger.Sweep(r.Context(), a.Now()); err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}
