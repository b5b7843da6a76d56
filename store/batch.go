package store

import (
	"context"
	"encoding/json"
	"time"

	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/internal/parallel"
	"github.com/harborline/snapstore/snapshot"
)

// Failure pairs an id with the error its batch item produced.
type Failure struct {
	ID  string `json:"id"`
	Err error  `json:"error"`
}

// BatchResult is the partial-success outcome of a batch operation. A
// failing item lands in Failed; it never aborts the rest of the batch.
type BatchResult struct {
	Succeeded []*snapshot.Snapshot `json:"succeeded"`
	Failed    []Failure            `json:"failed"`
}

// UpdateRequest names one item of a BatchUpdate.
type UpdateRequest struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

// BatchTake reads a point-in-time copy of each id independently.
func (s *Store) BatchTake(ctx context.Context, ids []string) (result BatchResult, err error) {
	start := time.Now()
	defer func() { s.track("batch_take", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return BatchResult{}, err
	}

	return s.batch(ctx, ids, func(ctx context.Context, id string) (*snapshot.Snapshot, error) {
		s.mu.RLock()
		current, ok := s.snapshots[id]
		s.mu.RUnlock()
		if !ok {
			return nil, snapshot.NotFoundError{ID: id}
		}
		return current.Clone(), nil
	})
}

// BatchUpdate applies one patch per item with per-item isolation. Each
// item commits atomically through the same per-id serialization as
// Update.
func (s *Store) BatchUpdate(ctx context.Context, requests []UpdateRequest) (result BatchResult, err error) {
	start := time.Now()
	defer func() { s.track("batch_update", start, err) }()

	if _, err = s.config(ctx); err != nil {
		return BatchResult{}, err
	}

	ids := make([]string, len(requests))
	patches := make(map[string]json.RawMessage, len(requests))
	for i, req := range requests {
		ids[i] = req.ID
		patches[req.ID] = req.Patch
	}

	return s.batch(ctx, ids, func(ctx context.Context, id string) (*snapshot.Snapshot, error) {
		return s.mutate(ctx, id, func(current *snapshot.Snapshot) (*snapshot.Snapshot, error) {
			return current.ApplyPatch(patches[id])
		})
	})
}

// batch fans work out over ids with bounded concurrency, collecting
// per-item successes and failures. Item errors never cancel siblings.
func (s *Store) batch(ctx context.Context, ids []string, work func(context.Context, string) (*snapshot.Snapshot, error)) (BatchResult, error) {
	type itemResult struct {
		snap *snapshot.Snapshot
		err  error
	}
	results := make([]itemResult, len(ids))

	err := parallel.ForEachIndexed(ctx, ids, internalconfig.BatchConcurrencyLimit, func(ctx context.Context, i int, id string) error {
		snap, itemErr := work(ctx, id)
		results[i] = itemResult{snap: snap, err: itemErr}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	var out BatchResult
	for i, res := range results {
		if res.err != nil {
			out.Failed = append(out.Failed, Failure{ID: ids[i], Err: res.err})
			continue
		}
		out.Succeeded = append(out.Succeeded, res.snap)
	}
	return out, nil
}

// Map applies fn to each id in order, collecting the results. Output
// order matches input order; a missing id fails the whole call.
func (s *Store) Map(ctx context.Context, ids []string, fn func(*snapshot.Snapshot) (any, error)) ([]any, error) {
	if _, err := s.config(ctx); err != nil {
		return nil, err
	}

	out := make([]any, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		current, ok := s.snapshots[id]
		s.mu.RUnlock()
		if !ok {
			return nil, snapshot.NotFoundError{ID: id}
		}
		mapped, err := fn(current.Clone())
		if err != nil {
			return nil, err
		}
		out = append(out, mapped)
	}
	return out, nil
}
