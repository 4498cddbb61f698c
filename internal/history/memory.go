package history

import (
	"context"
	"sync"
)

// Memory keeps the snapshot in process. Nothing survives a restart.
type Memory struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
}

// NewMemory returns a Memory backend seeded with snap.
func NewMemory(snap Snapshot) *Memory {
	if snap == nil {
		snap = Snapshot{}
	}
	return &Memory{snap: snap.Clone()}
}

func (m *Memory) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), nil
}

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap.Clone()
	m.saves++
	return nil
}

// Saves reports how many snapshots were written.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }
