package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/customize"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/params"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/querycache"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/remote"
)

type errorBody struct {
	ErrorText      string          `json:"error_text"`
	UpstreamErrors json.RawMessage `json:"upstream_errors,omitempty"`
	RetryHint      string          `json:"retry_hint,omitempty"`
}

var errBadRequest = errors.New("bad request")

// classify maps an error to its HTTP status and response body.
func classify(err error) (int, errorBody) {
	var (
		invalid  *querycache.QueryInvalidError
		auth     *remote.AuthError
		failed   *remote.JobFailedError
		timeout  *remote.TimeoutError
		request  *remote.RequestError
		problems *customize.ValidationError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, errorBody{ErrorText: invalid.Error(), UpstreamErrors: upstream(invalid.Body)}
	case errors.As(err, &problems):
		return http.StatusBadRequest, errorBody{ErrorText: err.Error()}
	case errors.Is(err, querycache.ErrInvalidLayout),
		errors.Is(err, params.ErrUnknownDateOverride),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorBody{ErrorText: err.Error()}
	case errors.Is(err, querycache.ErrNotFound):
		return http.StatusNotFound, errorBody{ErrorText: err.Error()}
	case errors.As(err, &auth):
		return http.StatusUnauthorized, errorBody{ErrorText: auth.Error(), RetryHint: "re-authenticate the system"}
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, errorBody{ErrorText: timeout.Error(), RetryHint: "the job is still running, retry the request later"}
	case errors.As(err, &failed):
		return http.StatusBadGateway, errorBody{ErrorText: failed.Error(), UpstreamErrors: upstream(failed.Payload)}
	case errors.As(err, &request):
		if request.IsClientError() {
			return http.StatusBadRequest, errorBody{ErrorText: request.Error(), UpstreamErrors: upstream(request.Body)}
		}
		return http.StatusBadGateway, errorBody{ErrorText: request.Error(), UpstreamErrors: upstream(request.Body), RetryHint: "the remote service failed, retry later"}
	case errors.Is(err, context.Canceled):
		return 499, errorBody{ErrorText: "request canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{ErrorText: "request timed out", RetryHint: "the refresh continues in the background, retry the request later"}
	default:
		return http.StatusInternalServerError, errorBody{ErrorText: "internal error"}
	}
}

// upstream passes a JSON error document through and wraps anything else
// as a string.
func upstream(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(string(body))
	return b
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	lvl := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		lvl = slog.LevelError
	}
	a.Logger.Log(r.Context(), lvl, "request failed", "path", r.URL.Path, "status", status, "err", err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
