// Package secondary holds short-lived results for ad-hoc reads whose
// parameters were overridden by the caller. Entries are keyed by the
// override-aware cache tag and may vanish at any time.
package secondary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dashboard-query-cache/internal/cache/redisstore"
)

type Entry struct {
	Content   []byte    `json:"content"`
	Mimetype  string    `json:"mimetype"`
	Timestamp time.Time `json:"timestamp"`
}

type Store interface {
	Get(ctx context.Context, tag string) (Entry, bool, error)
	Put(ctx context.Context, tag string, e Entry) error
}

// Nop keeps nothing, so every overridden read goes to the remote service.
type Nop struct{}

func (Nop) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Nop) Put(context.Context, string, Entry) error         { return nil }

// LRU is a per-process store with least-recently-used eviction.
type LRU struct {
	cache *expirable.LRU[string, Entry]
}

// NewLRU keeps at most size entries, each for at most ttl (0 disables expiry).
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 512
	}
	return &LRU{cache: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func (l *LRU) Get(_ context.Context, tag string) (Entry, bool, error) {
	e, ok := l.cache.Get(tag)
	return e, ok, nil
}

func (l *LRU) Put(_ context.Context, tag string, e Entry) error {
	l.cache.Add(tag, e)
	return nil
}

func (l *LRU) Len() int { return l.cache.Len() }

// Redis shares entries between instances; redis eviction policy provides
// the LRU behaviour.
type Redis struct {
	cli       *redisstore.Client
	namespace string
	ttl       time.Duration
}

func NewRedis(cli *redisstore.Client, namespace string, ttl time.Duration) *Redis {
	return &Redis{cli: cli, namespace: namespace, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, tag string) (Entry, bool, error) {
	b, found, err := r.cli.Get(ctx, keys.SecondaryKey(r.namespace, tag))
	if err != nil || !found {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		// undecodable entries are treated as misses and overwritten later
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *Redis) Put(ctx context.Context, tag string, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode secondary entry: %w", err)
	}
	if err := r.cli.Set(ctx, keys.SecondaryKey(r.namespace, tag), b, r.ttl); err != nil {
		return fmt.Errorf("secondary put: %w", err)
	}
	return nil
}
