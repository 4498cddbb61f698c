// Package history keeps per-user conversation histories and mirrors them to a
// pluggable persistence backend after every mutation.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/logger"
)

// Persister loads and saves the whole store as one snapshot.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Store maps user ids to their ordered turns.
//
// Mutations are serialized and only become visible once the backend accepted
// the resulting snapshot, so a failed save leaves the in-memory state untouched.
type Store struct {
	mu   sync.RWMutex
	data Snapshot

	saveMu  sync.Mutex
	backend Persister

	usersMu sync.Mutex
	users   map[string]*sync.Mutex
}

// Open loads the backend's snapshot into a new Store.
func Open(ctx context.Context, backend Persister) (*Store, error) {
	if backend == nil {
		backend = NewMemory(nil)
	}
	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load history snapshot")
	}
	if snap == nil {
		snap = Snapshot{}
	}
	logger.L.Info("history store loaded", "users", len(snap))
	return &Store{
		data:    snap,
		backend: backend,
		users:   make(map[string]*sync.Mutex),
	}, nil
}

// Get returns a copy of the user's history; unknown ids yield an empty slice.
func (s *Store) Get(userID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTurns(s.data[userID])
}

// Has reports whether the store holds an entry for userID.
func (s *Store) Has(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[userID]
	return ok
}

// Ensure registers an empty history for userID if none exists.
func (s *Store) Ensure(ctx context.Context, userID string) error {
	_, err := s.Create(ctx, userID)
	return err
}

// Create registers an empty history for userID unless one exists. created
// reports whether this call made the entry.
func (s *Store) Create(ctx context.Context, userID string) (created bool, err error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.Has(userID) {
		return false, nil
	}
	if err := s.commit(ctx, userID, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Append adds turns, in order, to the user's history and persists the store.
func (s *Store) Append(ctx context.Context, userID string, turns ...Turn) error {
	return s.mutate(ctx, userID, turns)
}

func (s *Store) mutate(ctx context.Context, userID string, turns []Turn) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.commit(ctx, userID, turns)
}

// commit saves the snapshot with turns appended and then publishes it. saveMu must be held.
func (s *Store) commit(ctx context.Context, userID string, turns []Turn) error {
	s.mu.RLock()
	next := make(Snapshot, len(s.data)+1)
	for k, v := range s.data {
		next[k] = v
	}
	s.mu.RUnlock()

	updated := append(cloneTurns(next[userID]), cloneTurns(turns)...)
	next[userID] = updated

	if err := s.backend.Save(ctx, next); err != nil {
		return errors.Wrapf(err, "persist history for %s", userID)
	}

	s.mu.Lock()
	s.data[userID] = updated
	s.mu.Unlock()
	return nil
}

// Lock acquires the per-user mutex and returns its release func. Holding it
// across read, remote call and append keeps one user's turns ordered.
func (s *Store) Lock(userID string) func() {
	s.usersMu.Lock()
	m, ok := s.users[userID]
	if !ok {
		m = &sync.Mutex{}
		s.users[userID] = m
	}
	s.usersMu.Unlock()

	m.Lock()
	return m.Unlock
}

// Users lists the known ids in lexical order.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
