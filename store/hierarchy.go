package store

import (
	"context"
	"time"

	"github.com/harborline/snapstore/snapshot"
	"github.com/harborline/snapstore/subscriber"
)

// AddChild links childID under parentID. Both sides of the link change
// in the same critical section, and a link that would make the parent a
// descendant of its own child is rejected with a CycleError.
func (s *Store) AddChild(ctx context.Context, parentID, childID string) (err error) {
	start := time.Now()
	defer func() { s.track("add_child", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return err
	}
	if parentID == childID {
		err = snapshot.CycleError{ParentID: parentID, ChildID: childID}
		return err
	}

	s.mu.Lock()
	parent, ok := s.snapshots[parentID]
	if !ok {
		s.mu.Unlock()
		err = snapshot.NotFoundError{ID: parentID}
		return err
	}
	child, ok := s.snapshots[childID]
	if !ok {
		s.mu.Unlock()
		err = snapshot.NotFoundError{ID: childID}
		return err
	}

	if parent.IsDescendantOf(childID, s.lookupLocked, len(s.snapshots)) {
		s.mu.Unlock()
		err = snapshot.CycleError{ParentID: parentID, ChildID: childID}
		return err
	}

	if child.ParentID != "" && child.ParentID != parentID {
		if previous, ok := s.snapshots[child.ParentID]; ok {
			previous.ChildIDs = removeString(previous.ChildIDs, childID)
		}
	}
	if !contains(parent.ChildIDs, childID) {
		parent.ChildIDs = append(parent.ChildIDs, childID)
	}
	child.ParentID = parentID
	updated := child.Clone()
	s.mu.Unlock()

	s.emit(subscriber.EventUpdated, updated, nil)
	return nil
}

// RemoveChild severs the link between parentID and childID. The child
// stays in the store as a root.
func (s *Store) RemoveChild(ctx context.Context, parentID, childID string) (err error) {
	start := time.Now()
	defer func() { s.track("remove_child", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	parent, ok := s.snapshots[parentID]
	if !ok {
		s.mu.Unlock()
		err = snapshot.NotFoundError{ID: parentID}
		return err
	}
	child, ok := s.snapshots[childID]
	if !ok {
		s.mu.Unlock()
		err = snapshot.NotFoundError{ID: childID}
		return err
	}

	parent.ChildIDs = removeString(parent.ChildIDs, childID)
	if child.ParentID == parentID {
		child.ParentID = ""
	}
	updated := child.Clone()
	s.mu.Unlock()

	s.emit(subscriber.EventUpdated, updated, nil)
	return nil
}

// Children returns copies of the direct children of id.
func (s *Store) Children(ctx context.Context, id string) ([]*snapshot.Snapshot, error) {
	if _, err := s.config(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, ok := s.snapshots[id]
	if !ok {
		return nil, snapshot.NotFoundError{ID: id}
	}
	out := make([]*snapshot.Snapshot, 0, len(parent.ChildIDs))
	for _, childID := range parent.ChildIDs {
		if child, ok := s.snapshots[childID]; ok {
			out = append(out, child.Clone())
		}
	}
	return out, nil
}

// HasChildren reports whether id has at least one child.
func (s *Store) HasChildren(ctx context.Context, id string) (bool, error) {
	if _, err := s.config(ctx); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return false, snapshot.NotFoundError{ID: id}
	}
	return len(snap.ChildIDs) > 0, nil
}

// IsDescendantOf reports whether id sits somewhere below ancestorID.
// The walk is bounded by the store size, so a corrupted chain returns
// false instead of looping.
func (s *Store) IsDescendantOf(ctx context.Context, id, ancestorID string) (bool, error) {
	if _, err := s.config(ctx); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return false, snapshot.NotFoundError{ID: id}
	}
	return snap.IsDescendantOf(ancestorID, s.lookupLocked, len(s.snapshots)), nil
}

// lookupLocked resolves ids for hierarchy walks. Callers must hold at
// least a read lock on s.mu.
func (s *Store) lookupLocked(id string) (*snapshot.Snapshot, bool) {
	snap, ok := s.snapshots[id]
	return snap, ok
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
