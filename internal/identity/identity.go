// Package identity generates user ids for callers that did not supply one.
package identity

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator yields fresh user ids.
type Generator interface {
	Next() string
}

// UUID issues random v4 UUIDs.
type UUID struct{}

func (UUID) Next() string { return uuid.NewString() }

// Sequential issues "1", "2", "3", ... It is safe for concurrent use.
type Sequential struct {
	n atomic.Uint64
}

// NewSequential returns a counter whose first id is start+1.
func NewSequential(start uint64) *Sequential {
	s := &Sequential{}
	s.n.Store(start)
	return s
}

// SequentialAfter seeds the counter past the largest numeric id in existing,
// so restarts against a persisted store never hand out a taken id.
func SequentialAfter(existing []string) *Sequential {
	var max uint64
	for _, id := range existing {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return NewSequential(max)
}

func (s *Sequential) Next() string {
	return strconv.FormatUint(s.n.Add(1), 10)
}

// New builds the generator named by policy. existing are the ids already in use.
func New(policy string, existing []string) (Generator, error) {
	switch policy {
	case "", "uuid":
		return UUID{}, nil
	case "sequential", "counter":
		return SequentialAfter(existing), nil
	default:
		return nil, fmt.Errorf("unknown identity policy %q", policy)
	}
}
