// Package container is the consumer-facing facade over the snapshot
// store and its collaborators. It delegates, translates errors and
// stamps identity metadata; business logic stays in the store.
package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/snapstore/configres"
	"github.com/harborline/snapstore/internal/versioning"
	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/snapshot"
	"github.com/harborline/snapstore/store"
	"github.com/harborline/snapstore/subscriber"
	"github.com/harborline/snapstore/telemetry"
)

// Identity supplies the authentication and versioning metadata stamped
// on outgoing requests. Values are opaque to this package.
type Identity interface {
	AccessToken() string
	UserID() string
	AppVersion() string
}

// Notifier receives fire-and-forget notifications about store activity.
// The container never waits on it.
type Notifier interface {
	Notify(id, message string, payload any, timestamp time.Time, notificationType string)
}

// Container combines a store, its resolver and the subscriber registry
// into one request surface.
type Container struct {
	store    *store.Store
	resolver *configres.Resolver
	registry *subscriber.Registry
	identity Identity
	notifier Notifier
	logger   logging.Logger
	recorder *telemetry.Recorder
	versions *versioning.Cache
}

// Option customises a Container.
type Option func(*Container)

// WithIdentity attaches the identity collaborator.
func WithIdentity(identity Identity) Option {
	return func(c *Container) { c.identity = identity }
}

// WithNotifier attaches the notification collaborator.
func WithNotifier(notifier Notifier) Option {
	return func(c *Container) { c.notifier = notifier }
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder attaches a telemetry recorder surfaced via Diagnostics.
func WithRecorder(recorder *telemetry.Recorder) Option {
	return func(c *Container) { c.recorder = recorder }
}

// New builds a container. The registry may be nil when no consumer
// subscribes through this surface.
func New(st *store.Store, resolver *configres.Resolver, registry *subscriber.Registry, opts ...Option) *Container {
	c := &Container{
		store:    st,
		resolver: resolver,
		registry: registry,
		logger:   logging.Noop(),
		versions: versioning.NewCache(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Result wraps a snapshot read with its payload checksum. NotModified
// reports that the caller's copy is still current; the payload is then
// omitted.
type Result struct {
	Snapshot    *snapshot.Snapshot `json:"snapshot,omitempty"`
	Checksum    string             `json:"checksum"`
	NotModified bool               `json:"notModified,omitempty"`
}

// View bundles a snapshot with its direct children and current
// subscriber set.
type View struct {
	Snapshot    *snapshot.Snapshot   `json:"snapshot"`
	Children    []*snapshot.Snapshot `json:"children,omitempty"`
	Subscribers []string             `json:"subscribers,omitempty"`
	Checksum    string               `json:"checksum"`
}

// GetSnapshot reads one snapshot, delegating when it is absent locally.
func (c *Container) GetSnapshot(ctx context.Context, id string) (Result, error) {
	return c.GetSnapshotConditional(ctx, id, "")
}

// GetSnapshotConditional is GetSnapshot with a conditional read: when
// the caller's previous checksum still matches, the payload is omitted.
func (c *Container) GetSnapshotConditional(ctx context.Context, id, previousChecksum string) (Result, error) {
	snap, err := c.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	checksum, unchanged, err := c.versions.CheckAndUpdate(c.versionKey(id), snap, previousChecksum)
	if err != nil {
		return Result{}, fmt.Errorf("checksum snapshot %s: %w", id, err)
	}
	if unchanged {
		return Result{Checksum: checksum, NotModified: true}, nil
	}
	return Result{Snapshot: snap, Checksum: checksum}, nil
}

// GetSnapshotContainer assembles the snapshot together with its direct
// children and subscriber ids.
func (c *Container) GetSnapshotContainer(ctx context.Context, id string) (View, error) {
	snap, err := c.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	children, err := c.store.Children(ctx, id)
	if err != nil {
		return View{}, err
	}

	view := View{Snapshot: snap, Children: children}
	if c.registry != nil {
		view.Subscribers = c.registry.Subscribers(id)
	}
	checksum, err := versioning.Checksum(view)
	if err != nil {
		return View{}, fmt.Errorf("checksum container %s: %w", id, err)
	}
	view.Checksum = checksum
	return view, nil
}

// GetSnapshotWithCriteria filters the store with raw request criteria.
func (c *Container) GetSnapshotWithCriteria(ctx context.Context, criteria map[string]any) ([]*snapshot.Snapshot, error) {
	return c.store.DataWithSearchCriteria(ctx, criteria)
}

// BatchFetch reads each id independently, never failing the whole
// batch on one bad id.
func (c *Container) BatchFetch(ctx context.Context, ids []string) (store.BatchResult, error) {
	return c.store.BatchTake(ctx, ids)
}

// GetAllItems returns every snapshot currently held, ordered by id.
func (c *Container) GetAllItems(ctx context.Context) ([]*snapshot.Snapshot, error) {
	if _, err := c.resolver.Resolve(ctx, c.store.ID()); err != nil {
		return nil, err
	}
	return c.store.All(), nil
}

// AddData creates a snapshot and notifies observers.
func (c *Container) AddData(ctx context.Context, id string, data any, category string) (*snapshot.Snapshot, error) {
	snap, err := c.store.Create(ctx, id, data, category)
	if err != nil {
		return nil, err
	}
	c.notify(id, "snapshot added", snap, "added")
	return snap, nil
}

// UpdateData replaces the payload of an existing snapshot.
func (c *Container) UpdateData(ctx context.Context, id string, data any) (*snapshot.Snapshot, error) {
	snap, err := c.store.UpdateData(ctx, id, data)
	if err != nil {
		return nil, err
	}
	c.notify(id, "snapshot updated", snap, "updated")
	return snap, nil
}

// RemoveData deletes a snapshot, reparenting its children.
func (c *Container) RemoveData(ctx context.Context, id string) error {
	if err := c.store.Remove(ctx, id, false); err != nil {
		return err
	}
	c.notify(id, "snapshot removed", nil, "removed")
	return nil
}

// SubscribeToSnapshot registers a callback for every event on the given
// snapshot and returns the subscriber id used to unsubscribe.
func (c *Container) SubscribeToSnapshot(id string, callback func(subscriber.Event)) (string, error) {
	if c.registry == nil {
		return "", snapshot.SubscriberNotFoundError{SubscriberID: ""}
	}
	subscriberID := uuid.NewString()
	_, err := c.registry.Subscribe(subscriber.Subscription{
		SubscriberID: subscriberID,
		SnapshotID:   id,
		Handlers: map[subscriber.EventType][]subscriber.Handler{
			subscriber.Wildcard: {subscriber.Handler(callback)},
		},
	})
	if err != nil {
		return "", err
	}
	return subscriberID, nil
}

// UnsubscribeFromSnapshot removes a subscriber, stamping the details
// with the caller identity when one is configured.
func (c *Container) UnsubscribeFromSnapshot(subscriberID string, details subscriber.UnsubscribeDetails) error {
	if c.registry == nil {
		return snapshot.SubscriberNotFoundError{SubscriberID: subscriberID}
	}
	if details.UserID == "" && c.identity != nil {
		details.UserID = c.identity.UserID()
	}
	if details.Date.IsZero() {
		details.Date = time.Now()
	}
	return c.registry.Unsubscribe(subscriberID, details)
}

// Stamp implements source.RequestStamper: outgoing delegate requests
// carry the identity metadata as headers.
func (c *Container) Stamp(req *http.Request) {
	if c.identity == nil {
		return
	}
	if token := c.identity.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userID := c.identity.UserID(); userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if version := c.identity.AppVersion(); version != "" {
		req.Header.Set("X-App-Version", version)
	}
}

// Diagnostics returns the recorded telemetry with the resolver cache
// counters folded in.
func (c *Container) Diagnostics() telemetry.Summary {
	hits, misses, staleServes := c.resolver.Stats()
	c.recorder.RecordResolver(hits, misses, staleServes)
	return c.recorder.Snapshot()
}

// notify dispatches on a detached goroutine; a panicking notifier
// cannot take the caller down.
func (c *Container) notify(id, message string, payload any, notificationType string) {
	if c.notifier == nil {
		return
	}
	now := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn(fmt.Sprintf("notifier panic for %s: %v", id, r), "SnapshotContainer")
			}
		}()
		c.notifier.Notify(id, message, payload, now, notificationType)
	}()
}

func (c *Container) versionKey(id string) string {
	return c.store.ID() + ":" + id
}
