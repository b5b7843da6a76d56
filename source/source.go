// Package source holds the persistence/transport collaborators a store
// consults when a snapshot is absent locally. The store never knows
// whether a source is HTTP, a local database, or an in-memory fixture.
package source

import (
	"context"

	"github.com/harborline/snapstore/snapshot"
)

// SnapshotSource fetches snapshots from somewhere outside the store.
// Fetch returns NotFoundError for unknown ids; other errors are treated
// as transient by callers.
type SnapshotSource interface {
	Fetch(ctx context.Context, id string) (*snapshot.Snapshot, error)
	FetchBySubscriber(ctx context.Context, subscriberID string) ([]*snapshot.Snapshot, error)
}
