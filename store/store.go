// Package store implements the snapshot store: the single owner of the
// id to snapshot map and the parent/child index. All mutation funnels
// through per-id serialization so concurrent updates on the same
// snapshot queue instead of interleaving.
package store

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/harborline/snapstore/classify"
	"github.com/harborline/snapstore/configres"
	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/snapshot"
	"github.com/harborline/snapstore/source"
	"github.com/harborline/snapstore/subscriber"
	"github.com/harborline/snapstore/telemetry"
)

const lockStripes = 32

// Store owns the snapshots for one logical store id. Configuration is
// pulled through the resolver on every operation so enable/disable and
// delegate changes take effect without restarting.
type Store struct {
	id       string
	resolver *configres.Resolver
	registry *subscriber.Registry
	rules    *classify.RuleSet
	delegate source.SnapshotSource
	simSrc   source.SnapshotSource
	logger   logging.Logger
	recorder *telemetry.Recorder

	mu        sync.RWMutex
	snapshots map[string]*snapshot.Snapshot

	stripes [lockStripes]sync.Mutex
}

// Option customises a Store.
type Option func(*Store)

// WithRegistry attaches the subscriber registry events are emitted to.
func WithRegistry(registry *subscriber.Registry) Option {
	return func(s *Store) { s.registry = registry }
}

// WithRules sets the category rule set used when a snapshot is created
// without an explicit category.
func WithRules(rules classify.RuleSet) Option {
	return func(s *Store) { s.rules = &rules }
}

// WithDelegateSource attaches the transport used to fetch snapshots
// that are absent locally when the resolved config carries a delegate.
func WithDelegateSource(src source.SnapshotSource) Option {
	return func(s *Store) { s.delegate = src }
}

// WithSimulatedSource attaches the source used when a caller resolves
// with the simulated data flag set.
func WithSimulatedSource(src source.SnapshotSource) Option {
	return func(s *Store) { s.simSrc = src }
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder attaches a telemetry recorder.
func WithRecorder(recorder *telemetry.Recorder) Option {
	return func(s *Store) { s.recorder = recorder }
}

// New builds a store for the given id. The resolver is mandatory: a
// store never proceeds on an empty configuration.
func New(id string, resolver *configres.Resolver, opts ...Option) *Store {
	s := &Store{
		id:        id,
		resolver:  resolver,
		logger:    logging.Noop(),
		snapshots: make(map[string]*snapshot.Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ID returns the store identifier.
func (s *Store) ID() string { return s.id }

func (s *Store) config(ctx context.Context) (snapshot.StoreConfig, error) {
	cfg, err := s.resolver.Resolve(ctx, s.id)
	if err != nil {
		return snapshot.StoreConfig{}, err
	}
	if !cfg.Enabled {
		return snapshot.StoreConfig{}, snapshot.DisabledError{StoreID: s.id}
	}
	return cfg, nil
}

func (s *Store) track(operation string, start time.Time, err error) {
	s.recorder.RecordOperation(operation, s.id, time.Since(start), err)
}

func (s *Store) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.stripes[h.Sum32()%lockStripes]
}

func (s *Store) emit(eventType subscriber.EventType, snap *snapshot.Snapshot, emitErr error) {
	if s.registry == nil {
		return
	}
	event := subscriber.Event{
		Type:      eventType,
		StoreID:   s.id,
		Err:       emitErr,
		Timestamp: time.Now(),
	}
	if snap != nil {
		event.SnapshotID = snap.ID
		event.Snapshot = snap.Clone()
	}
	delivered := s.registry.Emit(event)
	s.recorder.RecordEmit(delivered)
}

// Create adds a new snapshot. The id must be unused; an existing id is
// a DuplicateError. If category is empty and a rule set was supplied,
// the classifier assigns one.
func (s *Store) Create(ctx context.Context, id string, data any, category string) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("create", start, err) }()

	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}

	snap, err = snapshot.New(id, data, category)
	if err != nil {
		return nil, err
	}
	snap.Source = snapshot.SourceLocal

	if category == "" && s.rules != nil {
		label, cerr := classify.Classify(snap, cfg, *s.rules)
		if cerr != nil {
			return nil, cerr
		}
		snap.SetCategory(label)
	}

	lock := s.stripe(id)
	lock.Lock()
	s.mu.Lock()
	if _, exists := s.snapshots[id]; exists {
		s.mu.Unlock()
		lock.Unlock()
		err = snapshot.DuplicateError{ID: id}
		return nil, err
	}
	s.snapshots[id] = snap
	s.mu.Unlock()
	lock.Unlock()

	s.emit(subscriber.EventAdded, snap, nil)
	return snap.Clone(), nil
}

// Update applies a JSON merge patch to an existing snapshot, producing
// a new version with the previous one pushed onto the history.
func (s *Store) Update(ctx context.Context, id string, patch json.RawMessage) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("update", start, err) }()
	return s.mutate(ctx, id, func(current *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		return current.ApplyPatch(patch)
	})
}

// UpdateData replaces the snapshot payload wholesale, recording the
// structural delta in the version history.
func (s *Store) UpdateData(ctx context.Context, id string, data any) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("update", start, err) }()
	return s.mutate(ctx, id, func(current *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		return current.WithUpdatedData(data)
	})
}

// RestoreVersion rolls a snapshot back to an earlier recorded version.
// The restore appends a new version; history stays append-only.
func (s *Store) RestoreVersion(ctx context.Context, id string, number uint64) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("restore", start, err) }()
	return s.mutate(ctx, id, func(current *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		ver, verr := current.VersionAt(number)
		if verr != nil {
			return nil, verr
		}
		return current.WithUpdatedData(ver.Data)
	})
}

// SetCategory reassigns the classification label for a snapshot.
func (s *Store) SetCategory(ctx context.Context, id, label string) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("set_category", start, err) }()
	return s.mutate(ctx, id, func(current *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		next := current.Clone()
		next.SetCategory(label)
		return next, nil
	})
}

// mutate serializes a read-modify-write on one id. The transform runs
// against a clone and its result is committed atomically; concurrent
// callers for the same id queue on the stripe lock.
func (s *Store) mutate(ctx context.Context, id string, transform func(*snapshot.Snapshot) (*snapshot.Snapshot, error)) (*snapshot.Snapshot, error) {
	if _, err := s.config(ctx); err != nil {
		return nil, err
	}

	lock := s.stripe(id)
	lock.Lock()

	s.mu.RLock()
	current, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		lock.Unlock()
		return nil, snapshot.NotFoundError{ID: id}
	}

	next, err := transform(current.Clone())
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	trimHistory(next)

	s.mu.Lock()
	s.snapshots[id] = next
	s.mu.Unlock()
	lock.Unlock()

	s.emit(subscriber.EventUpdated, next, nil)
	return next.Clone(), nil
}

// Remove deletes a snapshot. Children are reparented to the removed
// node's parent by default; with cascade they are removed recursively,
// depth-bounded by the store size.
func (s *Store) Remove(ctx context.Context, id string, cascade bool) (err error) {
	start := time.Now()
	defer func() { s.track("remove", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	removed, rerr := s.removeLocked(id, cascade, len(s.snapshots))
	s.mu.Unlock()
	if rerr != nil {
		err = rerr
		return err
	}

	for _, snap := range removed {
		s.emit(subscriber.EventRemoved, snap, nil)
	}
	return nil
}

// removeLocked detaches id from its parent, handles its children per
// the cascade policy and deletes it, returning every snapshot removed.
// Both sides of every parent/child link change within this one pass,
// so no reader can observe a dangling pointer.
func (s *Store) removeLocked(id string, cascade bool, depthBudget int) ([]*snapshot.Snapshot, error) {
	if depthBudget < 0 {
		return nil, snapshot.CycleError{ParentID: id, ChildID: id}
	}
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, snapshot.NotFoundError{ID: id}
	}

	if parent, ok := s.snapshots[snap.ParentID]; ok {
		parent.ChildIDs = removeString(parent.ChildIDs, id)
	}

	removed := []*snapshot.Snapshot{snap}
	children := append([]string(nil), snap.ChildIDs...)
	for _, childID := range children {
		child, ok := s.snapshots[childID]
		if !ok {
			continue
		}
		if cascade {
			sub, err := s.removeLocked(childID, true, depthBudget-1)
			if err != nil {
				if snapshot.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			removed = append(removed, sub...)
			continue
		}
		child.ParentID = snap.ParentID
		if parent, ok := s.snapshots[snap.ParentID]; ok {
			parent.ChildIDs = append(parent.ChildIDs, childID)
		}
	}

	delete(s.snapshots, id)
	return removed, nil
}

// Take produces a read-only point-in-time copy without touching the
// version history.
func (s *Store) Take(ctx context.Context, id string) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("take", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		err = snapshot.NotFoundError{ID: id}
		return nil, err
	}
	return current.Clone(), nil
}

// Get returns the snapshot for id, falling back to the resolved
// delegate when it is absent locally. The Source field on the result
// tells a caller where it came from.
func (s *Store) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return s.GetWith(ctx, id, configres.Context{})
}

// GetWith is Get with an explicit resolution context. With the
// simulated flag set the lookup bypasses delegates and reads from the
// simulated source.
func (s *Store) GetWith(ctx context.Context, id string, rctx configres.Context) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	defer func() { s.track("get", start, err) }()

	cfg, err := s.resolver.ResolveWith(ctx, s.id, rctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		err = snapshot.DisabledError{StoreID: s.id}
		return nil, err
	}

	if rctx.UseSimulatedDataSource {
		if s.simSrc == nil {
			err = snapshot.NotFoundError{ID: id}
			return nil, err
		}
		snap, err = s.simSrc.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Source = snapshot.SourceSimulated
		return snap, nil
	}

	s.mu.RLock()
	current, ok := s.snapshots[id]
	s.mu.RUnlock()
	if ok {
		snap = current.Clone()
		snap.Source = snapshot.SourceLocal
		return snap, nil
	}

	if s.delegate == nil || len(cfg.DelegateChain) == 0 {
		err = snapshot.NotFoundError{ID: id}
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, internalconfig.FetchTimeout)
	defer cancel()
	snap, err = s.delegate.Fetch(fetchCtx, id)
	if err != nil {
		return nil, err
	}
	snap.Source = snapshot.SourceDelegate

	// Cache the delegated hit so the next Get is local.
	lock := s.stripe(id)
	lock.Lock()
	s.mu.Lock()
	if _, exists := s.snapshots[id]; !exists {
		s.snapshots[id] = snap.Clone()
	}
	s.mu.Unlock()
	lock.Unlock()

	return snap, nil
}

// Clear removes every snapshot, emitting a removal event per entry.
func (s *Store) Clear(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.track("clear", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	cleared := make([]*snapshot.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		cleared = append(cleared, snap)
	}
	s.snapshots = make(map[string]*snapshot.Snapshot)
	s.mu.Unlock()

	for _, snap := range cleared {
		s.emit(subscriber.EventRemoved, snap, nil)
	}
	return nil
}

// All returns a copy of every snapshot currently held, ordered by id
// so repeated reads are stable.
func (s *Store) All() []*snapshot.Snapshot {
	s.mu.RLock()
	out := make([]*snapshot.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of snapshots held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// trimHistory drops the oldest version records beyond the retention cap.
// A zero cap keeps everything.
func trimHistory(snap *snapshot.Snapshot) {
	limit := internalconfig.VersionHistoryLimit
	if limit <= 0 || len(snap.History) <= limit {
		return
	}
	snap.History = append([]snapshot.Version(nil), snap.History[len(snap.History)-limit:]...)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, item := range list {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
