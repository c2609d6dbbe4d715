// Package hotness tracks how often ad-hoc result tags are requested and
// decides which of them are worth keeping in the secondary store.
package hotness

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/observability"
)

const (
	numShards = 64

	// shards above this size drop entries that decayed below pruneFloor.
	maxPerShard = 4096
	pruneFloor  = 0.01
)

type Interface interface {
	Inc(key string)
	Score(key string) float64
	Reset(keys ...string)
}

// Tracker keeps an exponentially decaying request score per key.
type Tracker struct {
	HalfLife time.Duration

	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

var _ Interface = (*Tracker)(nil)

func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{HalfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

func (t *Tracker) Inc(key string) {
	if key == "" {
		return
	}
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	c := s.m[key]
	if c == nil {
		if len(s.m) >= maxPerShard {
			s.prune(n, t.HalfLife.Seconds())
		}
		s.m[key] = &counter{score: 1, last: n}
	} else {
		c.score = decay(c.score, n.Sub(c.last).Seconds(), t.HalfLife.Seconds()) + 1.0
		c.last = n
	}
	s.mu.Unlock()

	observability.SetHotKeys(t.Size())
}

func (t *Tracker) Score(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	c := s.m[key]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.RUnlock()

	return decay(score, n.Sub(last).Seconds(), t.HalfLife.Seconds())
}

func (t *Tracker) Reset(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		s := t.pick(key)
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
	}
	observability.SetHotKeys(t.Size())
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}

// prune must be called with s.mu held.
func (s *shard) prune(now time.Time, halfLife float64) {
	for k, c := range s.m {
		if decay(c.score, now.Sub(c.last).Seconds(), halfLife) < pruneFloor {
			delete(s.m, k)
		}
	}
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	lambda := math.Ln2 / halfLife
	return score * math.Exp(-lambda*dt)
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	return &t.shards[h&(numShards-1)]
}

// Admission admits a key once its score reaches Threshold. A nil Admission
// or a non-positive Threshold admits everything.
type Admission struct {
	Hot       Interface
	Threshold float64
}

func (a *Admission) Admit(key string) bool {
	if a == nil || a.Hot == nil || a.Threshold <= 0 {
		return true
	}
	return a.Hot.Score(key) >= a.Threshold
}

// Touch records one request for key.
func (a *Admission) Touch(key string) {
	if a == nil || a.Hot == nil {
		return
	}
	a.Hot.Inc(key)
}
