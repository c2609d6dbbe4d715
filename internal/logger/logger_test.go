package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSlogHandler_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", Service: "dashboard"}, &buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSystem(ctx, 4)
	ctx = WithCacheState(ctx, "stale")
	log.InfoContext(ctx, "served", "query_id", int64(17))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg": "served", "service": "dashboard", "request_id": "req-1",
		"system": float64(4), "cache_state": "stale", "query_id": float64(17), "level": "info",
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("%s=%v want %v (line %s)", k, line[k], v, buf.String())
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %s", buf.String())
	}
}

func TestBuild_LevelFiltersInfo(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	NewSlog(&zl).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return line
}

func TestSlogHandler_LoggerAttrsOverrideContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info"}, &buf)
	log := NewSlog(&zl).With("component", "store", "system", int64(9))

	ctx := WithComponent(context.Background(), "http")
	ctx = WithSystem(ctx, 4)
	log.InfoContext(ctx, "saved")

	if n := bytes.Count(buf.Bytes(), []byte(`"component"`)); n != 1 {
		t.Fatalf("component written %d times: %s", n, buf.String())
	}
	line := decodeLine(t, &buf)
	if line["component"] != "store" || line["system"] != float64(9) {
		t.Fatalf("component=%v system=%v want store/9", line["component"], line["system"])
	}
}

func TestSlogHandler_GroupsErrorsAndDurations(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info"}, &buf)
	log := NewSlog(&zl).WithGroup("remote").With("job", "j-1")

	log.Warn("poll failed",
		"err", errors.New("upstream 502"),
		"wait", 1500*time.Millisecond,
		slog.Group("cell", "query_id", int64(17), "page_id", int64(3)))

	line := decodeLine(t, &buf)
	want := map[string]any{
		"level": "warn", "remote.job": "j-1", "remote.err": "upstream 502",
		"remote.wait": "1.5s", "remote.cell.query_id": float64(17), "remote.cell.page_id": float64(3),
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("%s=%v want %v (line %s)", k, line[k], v, buf.String())
		}
	}
}

func TestSlogHandler_EnabledFollowsLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	zl := Build(Config{Level: "info"}, &buf)
	log := NewSlog(&zl)
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug enabled at info level")
	}
	if !log.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error disabled at info level")
	}
}
