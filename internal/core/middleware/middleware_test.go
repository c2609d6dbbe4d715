package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	mylog "github.com/mohammed-shakir/dashboard-query-cache/internal/logger"
)

func TestLogging_RecordsRouteAndCacheState(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	zl := mylog.Build(mylog.Config{Level: "debug"}, &buf)

	r := chi.NewRouter()
	r.Use(Logging(mylog.NewSlog(&zl)))
	r.Route("/pages/{pageID}", func(r chi.Router) {
		r.Get("/queries/{queryID}/result", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-Cache-State", "stale")
			w.WriteHeader(http.StatusOK)
		})
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pages/3/queries/17/result", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg": "http request", "route": "/pages/{pageID}/queries/{queryID}/result",
		"path": "/pages/3/queries/17/result", "cache_state": "stale", "component": "http",
		"status": float64(200), "request_id": rr.Header().Get("X-Request-ID"),
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("%s=%v want %v (line %s)", k, line[k], v, buf.String())
		}
	}
}

func TestLogging_KeepsCallerRequestID(t *testing.T) {
	var buf bytes.Buffer
	zl := mylog.Build(mylog.Config{Level: "info"}, &buf)
	h := Logging(mylog.NewSlog(&zl))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "abc" {
		t.Fatalf("X-Request-ID=%q want abc", got)
	}
	if buf.Len() != 0 {
		t.Fatalf("successful request logged at info level: %s", buf.String())
	}
}

func TestRecover_Returns500(t *testing.T) {
	var buf bytes.Buffer
	zl := mylog.Build(mylog.Config{Level: "info"}, &buf)
	h := Recover(mylog.NewSlog(&zl))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", rr.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte("panic recovered")) {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("preflight reached the handler")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/pages/1/rows", nil))
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Methods") != "GET,POST,OPTIONS" {
		t.Fatalf("status=%d methods=%q", rr.Code, rr.Header().Get("Access-Control-Allow-Methods"))
	}
}
