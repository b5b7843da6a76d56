// Package subscriber implements the typed event bus that snapshot stores
// notify on every lifecycle change. Handlers fire synchronously in
// subscription order; emits issued from inside a handler are queued and
// drained by the active delivery pass instead of growing the call stack.
package subscriber

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/snapshot"
)

// EventType enumerates the lifecycle events a subscriber can observe.
type EventType string

const (
	EventAdded      EventType = "added"
	EventUpdated    EventType = "updated"
	EventRemoved    EventType = "removed"
	EventError      EventType = "error"
	EventReconnect  EventType = "reconnect"
	EventDisconnect EventType = "disconnect"

	// Wildcard matches every event type.
	Wildcard EventType = "*"
)

// Event is the payload delivered to handlers.
type Event struct {
	Type       EventType
	StoreID    string
	SnapshotID string
	Snapshot   *snapshot.Snapshot
	Err        error
	Timestamp  time.Time
}

// Handler consumes one event.
type Handler func(Event)

// UnsubscribeDetails is passed to unsubscribe callbacks before a
// subscriber record is removed.
type UnsubscribeDetails struct {
	UserID     string         `json:"userId,omitempty"`
	SnapshotID string         `json:"snapshotId,omitempty"`
	Type       string         `json:"type,omitempty"`
	Date       time.Time      `json:"date"`
	Reason     string         `json:"reason,omitempty"`
	ExtraData  map[string]any `json:"extraData,omitempty"`
}

// Subscription describes a subscriber's interests. An empty SnapshotID
// matches every snapshot in the store.
type Subscription struct {
	SubscriberID  string
	SnapshotID    string
	Handlers      map[EventType][]Handler
	OnUnsubscribe func(UnsubscribeDetails)
}

// Token identifies the registrations created by one Subscribe or Once
// call. Passing it to Remove detaches exactly those handlers while the
// rest of the subscriber's registrations stay live.
type Token struct {
	SubscriberID string
	value        string
}

type registration struct {
	id      string
	group   string
	handler Handler
	once    bool
}

type record struct {
	subscriberID  string
	snapshotID    string
	position      uint64
	active        bool
	handlers      map[EventType][]*registration
	onUnsubscribe []func(UnsubscribeDetails)
}

// Registry tracks subscriber records for one store and dispatches events.
type Registry struct {
	logger logging.Logger

	mu      sync.Mutex
	records map[string]*record
	nextPos uint64

	emitting bool
	pending  []Event
}

// New returns an empty registry.
func New(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Registry{
		logger:  logger,
		records: make(map[string]*record),
	}
}

// Subscribe registers or updates a subscriber. Re-subscribing with the
// same id replaces its callback set for the event types present in the
// new subscription; the original emission-order position is kept.
func (r *Registry) Subscribe(sub Subscription) (Token, error) {
	if sub.SubscriberID == "" {
		return Token{}, snapshot.SubscriberNotFoundError{SubscriberID: ""}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[sub.SubscriberID]
	if !exists {
		r.nextPos++
		rec = &record{
			subscriberID: sub.SubscriberID,
			snapshotID:   sub.SnapshotID,
			position:     r.nextPos,
			active:       true,
			handlers:     make(map[EventType][]*registration),
		}
		r.records[sub.SubscriberID] = rec
	} else {
		rec.snapshotID = sub.SnapshotID
		rec.active = true
	}

	tokenValue := uuid.NewString()
	for eventType, handlers := range sub.Handlers {
		regs := make([]*registration, 0, len(handlers))
		for _, handler := range handlers {
			if handler == nil {
				continue
			}
			regs = append(regs, &registration{id: uuid.NewString(), group: tokenValue, handler: handler})
		}
		// replace, never append: one callback set per (id, event type)
		rec.handlers[eventType] = regs
	}
	if sub.OnUnsubscribe != nil {
		rec.onUnsubscribe = append(rec.onUnsubscribe, sub.OnUnsubscribe)
	}

	return Token{SubscriberID: sub.SubscriberID, value: tokenValue}, nil
}

// Once registers a handler that fires at most once for the event type and
// is removed before it runs.
func (r *Registry) Once(subscriberID, snapshotID string, eventType EventType, handler Handler) (Token, error) {
	if subscriberID == "" || handler == nil {
		return Token{}, snapshot.SubscriberNotFoundError{SubscriberID: subscriberID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[subscriberID]
	if !exists {
		r.nextPos++
		rec = &record{
			subscriberID: subscriberID,
			snapshotID:   snapshotID,
			position:     r.nextPos,
			active:       true,
			handlers:     make(map[EventType][]*registration),
		}
		r.records[subscriberID] = rec
	}
	tokenValue := uuid.NewString()
	rec.handlers[eventType] = append(rec.handlers[eventType], &registration{
		id:      uuid.NewString(),
		group:   tokenValue,
		handler: handler,
		once:    true,
	})

	return Token{SubscriberID: subscriberID, value: tokenValue}, nil
}

// Remove detaches the registrations identified by the token. Other
// registrations and the unsubscribe callbacks of the same subscriber are
// untouched. A token whose registrations have already been replaced,
// fired (once) or removed reports the subscriber as not found.
func (r *Registry) Remove(token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[token.SubscriberID]
	if !exists {
		return snapshot.SubscriberNotFoundError{SubscriberID: token.SubscriberID}
	}
	removed := false
	for eventType, regs := range rec.handlers {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.group == token.value {
				removed = true
				continue
			}
			kept = append(kept, reg)
		}
		rec.handlers[eventType] = kept
	}
	if !removed {
		return snapshot.SubscriberNotFoundError{SubscriberID: token.SubscriberID}
	}
	return nil
}

// Unsubscribe deactivates the subscriber, invokes its unsubscribe
// callbacks with the supplied details, then removes the record. The
// subscriber is deactivated before the callbacks run, so no emit can
// reach it once its unsubscribe callback has started.
func (r *Registry) Unsubscribe(subscriberID string, details UnsubscribeDetails) error {
	r.mu.Lock()
	rec, exists := r.records[subscriberID]
	if !exists || !rec.active {
		r.mu.Unlock()
		return snapshot.SubscriberNotFoundError{SubscriberID: subscriberID}
	}
	rec.active = false
	callbacks := make([]func(UnsubscribeDetails), 0, len(rec.onUnsubscribe))
	callbacks = append(callbacks, rec.onUnsubscribe...)
	snapshotID := rec.snapshotID
	r.mu.Unlock()

	if details.Date.IsZero() {
		details.Date = time.Now()
	}
	if details.SnapshotID == "" {
		details.SnapshotID = snapshotID
	}
	for _, callback := range callbacks {
		callback(details)
	}

	r.mu.Lock()
	delete(r.records, subscriberID)
	r.mu.Unlock()

	r.logger.Debug(fmt.Sprintf("subscriber %s removed (%s)", subscriberID, details.Reason), "SubscriberRegistry")
	return nil
}

// Emit delivers the event to every matching active subscriber in
// subscription order and returns the number of handler invocations.
// When called while a delivery pass is already running (including from
// inside a handler), the event is queued and drained by the active pass;
// the queued call reports zero deliveries.
func (r *Registry) Emit(event Event) int {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.Lock()
	if r.emitting {
		r.pending = append(r.pending, event)
		r.mu.Unlock()
		return 0
	}
	r.emitting = true
	r.mu.Unlock()

	delivered := r.deliver(event)
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.emitting = false
			r.mu.Unlock()
			return delivered
		}
		next := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		delivered += r.deliver(next)
	}
}

type plannedDelivery struct {
	rec *record
	reg *registration
}

func (r *Registry) deliver(event Event) int {
	r.mu.Lock()
	plan := make([]plannedDelivery, 0, len(r.records))
	ordered := r.orderedRecordsLocked()
	for _, rec := range ordered {
		if !rec.active {
			continue
		}
		if rec.snapshotID != "" && event.SnapshotID != "" && rec.snapshotID != event.SnapshotID {
			continue
		}
		for _, reg := range rec.handlers[event.Type] {
			plan = append(plan, plannedDelivery{rec: rec, reg: reg})
		}
		if event.Type != Wildcard {
			for _, reg := range rec.handlers[Wildcard] {
				plan = append(plan, plannedDelivery{rec: rec, reg: reg})
			}
		}
	}
	// once-registrations are detached before their handler runs so a
	// re-entrant emit cannot fire them twice
	for _, item := range plan {
		if item.reg.once {
			r.removeRegistrationLocked(item.rec, item.reg)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, item := range plan {
		// re-check liveness right before invoking: a subscriber whose
		// unsubscribe callback has run must never see another event
		r.mu.Lock()
		alive := item.rec.active
		r.mu.Unlock()
		if !alive {
			continue
		}
		item.reg.handler(event)
		delivered++
	}
	return delivered
}

func (r *Registry) orderedRecordsLocked() []*record {
	ordered := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		ordered = append(ordered, rec)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].position > ordered[j].position; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	return ordered
}

func (r *Registry) removeRegistrationLocked(rec *record, reg *registration) {
	for eventType, regs := range rec.handlers {
		for i, candidate := range regs {
			if candidate == reg {
				rec.handlers[eventType] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Subscribers returns the ids of active subscribers interested in the
// snapshot, in subscription order.
func (r *Registry) Subscribers(snapshotID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.orderedRecordsLocked() {
		if !rec.active {
			continue
		}
		if rec.snapshotID != "" && snapshotID != "" && rec.snapshotID != snapshotID {
			continue
		}
		out = append(out, rec.subscriberID)
	}
	return out
}

// Len reports the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
