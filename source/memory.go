package source

import (
	"context"
	"sync"

	"github.com/harborline/snapstore/snapshot"
)

// MemorySource is an in-memory SnapshotSource used as the simulated data
// source and as a test double.
type MemorySource struct {
	mu          sync.RWMutex
	snapshots   map[string]*snapshot.Snapshot
	subscribers map[string][]string // subscriberID -> snapshot ids
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		snapshots:   make(map[string]*snapshot.Snapshot),
		subscribers: make(map[string][]string),
	}
}

// Put stores a snapshot copy.
func (m *MemorySource) Put(snap *snapshot.Snapshot) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	m.snapshots[snap.ID] = snap.Clone()
	m.mu.Unlock()
}

// Delete removes a snapshot.
func (m *MemorySource) Delete(id string) {
	m.mu.Lock()
	delete(m.snapshots, id)
	m.mu.Unlock()
}

// Associate links a subscriber to a snapshot id for FetchBySubscriber.
func (m *MemorySource) Associate(subscriberID, snapshotID string) {
	m.mu.Lock()
	m.subscribers[subscriberID] = append(m.subscribers[subscriberID], snapshotID)
	m.mu.Unlock()
}

// Fetch implements SnapshotSource.
func (m *MemorySource) Fetch(_ context.Context, id string) (*snapshot.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return nil, snapshot.NotFoundError{ID: id}
	}
	return snap.Clone(), nil
}

// FetchBySubscriber implements SnapshotSource.
func (m *MemorySource) FetchBySubscriber(_ context.Context, subscriberID string) ([]*snapshot.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.subscribers[subscriberID]
	out := make([]*snapshot.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := m.snapshots[id]; ok {
			out = append(out, snap.Clone())
		}
	}
	return out, nil
}
