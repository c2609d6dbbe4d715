// Package invalidation carries cache invalidation events between instances.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	OpClear   = "clear"
	OpRefresh = "refresh"
)

// Event asks every instance to clear (and optionally refresh) the cache rows
// of one query.
type Event struct {
	Version  int       `json:"version"`
	ID       string    `json:"id"`
	Op       string    `json:"op"`
	SystemID int64     `json:"system_id,omitempty"`
	QueryID  int64     `json:"query_id"`
	TS       time.Time `json:"ts"`
	Source   string    `json:"source,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(op string, systemID, queryID int64, source string) Event {
	return Event{
		Version:  1,
		ID:       uuid.NewString(),
		Op:       op,
		SystemID: systemID,
		QueryID:  queryID,
		TS:       time.Now().UTC(),
		Source:   source,
	}
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if _, err := uuid.Parse(strings.TrimSpace(e.ID)); err != nil {
		return fmt.Errorf("id must be a uuid: %w", err)
	}
	switch e.Op {
	case OpClear, OpRefresh:
	default:
		return fmt.Errorf("op must be clear|refresh")
	}
	if e.QueryID <= 0 {
		return errors.New("query_id is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}
