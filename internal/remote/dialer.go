package remote

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

// Dialer opens sessions and remembers tokens obtained from credentials so
// later sessions for the same system skip the token exchange.
type Dialer struct {
	client *http.Client
	logger *slog.Logger
	opts   Options

	mu     sync.Mutex
	tokens map[int64]string
}

func NewDialer(client *http.Client, logger *slog.Logger, opts Options) *Dialer {
	d := &Dialer{client: client, logger: logger, tokens: map[int64]string{}}
	next := opts.OnToken
	opts.OnToken = func(ctx context.Context, systemID int64, token string) {
		d.mu.Lock()
		d.tokens[systemID] = token
		d.mu.Unlock()
		if next != nil {
			next(ctx, systemID, token)
		}
	}
	d.opts = opts
	return d
}

func (d *Dialer) Dial(ctx context.Context, sys model.System) (*Session, error) {
	if sys.Token == "" {
		d.mu.Lock()
		sys.Token = d.tokens[sys.ID]
		d.mu.Unlock()
	}
	return Open(ctx, sys, d.client, d.logger, d.opts)
}

// Options returns the polling configuration sessions are opened with.
func (d *Dialer) Options() Options { return d.opts.withDefaults() }
