package store

import (
	"context"
	"sync"

	"github.com/coder/quartz"

	"github.com/blackwell-systems/extmon/internal/extension"
)

// Memory keeps the snapshot in process. Records are deep-copied on the way
// in and out, so callers never share maps with the store.
type Memory struct {
	clock  quartz.Clock
	mu     sync.RWMutex
	snap   extension.StoreSnapshot
	closed bool
}

// NewMemory returns an empty in-memory adapter.
func NewMemory(clock quartz.Clock) *Memory {
	return &Memory{
		clock: clock,
		snap:  extension.StoreSnapshot{Extensions: make(map[string]extension.CombinedStats)},
	}
}

// Init is a no-op.
func (m *Memory) Init(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageUnavailable
	}
	return nil
}

// GetStore returns a copy of the snapshot.
func (m *Memory) GetStore(ctx context.Context) (extension.StoreSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return extension.StoreSnapshot{}, ErrStorageUnavailable
	}

	snap := m.snap.Clone()
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = m.clock.Now().UTC()
	}
	return snap, nil
}

// ExtensionStats returns a copy of one record.
func (m *Memory) ExtensionStats(ctx context.Context, id string) (extension.CombinedStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return extension.CombinedStats{}, false, ErrStorageUnavailable
	}

	cs, ok := m.snap.Extensions[id]
	if !ok {
		return extension.CombinedStats{}, false, nil
	}
	return cs.Clone(), true, nil
}

// UpdateExtensionStats stores a copy of cs and bumps LastUpdated.
func (m *Memory) UpdateExtensionStats(ctx context.Context, id string, cs extension.CombinedStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageUnavailable
	}

	m.snap.Extensions[id] = cs.Clone()
	m.snap.LastUpdated = advance(m.snap.LastUpdated, m.clock.Now().UTC())
	return nil
}

// Close marks the adapter unusable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
