package stream

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/subscriber"
	"github.com/harborline/snapstore/telemetry"
)

// Broker bridges registry events onto stream subscriptions. It keeps a
// bounded replay buffer per scope so clients can resume after a
// reconnect without a full resync.
type Broker struct {
	registry *subscriber.Registry
	logger   logging.Logger
	recorder *telemetry.Recorder

	mu     sync.Mutex
	seq    uint64
	subs   map[string]*brokerSub
	replay map[string][]ServerMessage
}

type brokerSub struct {
	id         string
	storeID    string
	snapshotID string
	updates    chan ServerMessage
	drops      chan DropReason
	closed     bool
}

// NewBroker wires a broker into the registry. Every event emitted
// through the registry becomes a stream update.
func NewBroker(registry *subscriber.Registry, logger logging.Logger, recorder *telemetry.Recorder) (*Broker, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	b := &Broker{
		registry: registry,
		logger:   logger,
		recorder: recorder,
		subs:     make(map[string]*brokerSub),
		replay:   make(map[string][]ServerMessage),
	}
	_, err := registry.Subscribe(subscriber.Subscription{
		SubscriberID: "stream-broker-" + uuid.NewString(),
		Handlers: map[subscriber.EventType][]subscriber.Handler{
			subscriber.Wildcard: {b.publish},
		},
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Subscribe opens a stream subscription scoped to one store and,
// optionally, one snapshot id.
func (b *Broker) Subscribe(storeID, snapshotID string) (*Subscription, error) {
	if storeID == "" {
		return nil, fmt.Errorf("store id is required")
	}

	sub := &brokerSub{
		id:         uuid.NewString(),
		storeID:    storeID,
		snapshotID: snapshotID,
		updates:    make(chan ServerMessage, internalconfig.StreamSubscriberBufferSize),
		drops:      make(chan DropReason, 1),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{
		StoreID:    storeID,
		SnapshotID: snapshotID,
		Updates:    sub.updates,
		Drops:      sub.drops,
		Cancel:     func() { b.cancel(sub.id, DropReasonClosed) },
	}, nil
}

// Resume returns the buffered updates for the scope with sequence
// numbers above since. The second result is false when the token has
// aged out of the replay buffer.
func (b *Broker) Resume(storeID, snapshotID string, since uint64) ([]ServerMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buffered := b.replay[scopeKey(storeID, snapshotID)]
	if len(buffered) == 0 {
		return nil, false
	}
	oldest, ok := parseSequence(buffered[0].Sequence)
	if !ok || since < oldest-1 {
		return nil, false
	}

	var out []ServerMessage
	for _, msg := range buffered {
		if seq, ok := parseSequence(msg.Sequence); ok && seq > since {
			out = append(out, msg)
		}
	}
	return out, true
}

// Close cancels every open subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*brokerSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.cancel(sub.id, DropReasonClosed)
	}
}

func (b *Broker) publish(event subscriber.Event) {
	msgType, ok := messageTypeFor(event.Type)
	if !ok {
		return
	}

	b.mu.Lock()
	b.seq++
	msg := ServerMessage{
		Type:       msgType,
		StoreID:    event.StoreID,
		SnapshotID: event.SnapshotID,
		Sequence:   strconv.FormatUint(b.seq, 10),
		Snapshot:   event.Snapshot,
	}
	b.buffer(scopeKey(event.StoreID, event.SnapshotID), msg)
	b.buffer(scopeKey(event.StoreID, ""), msg)

	var overrun []*brokerSub
	for _, sub := range b.subs {
		if sub.storeID != event.StoreID {
			continue
		}
		if sub.snapshotID != "" && sub.snapshotID != event.SnapshotID {
			continue
		}
		select {
		case sub.updates <- msg:
		default:
			overrun = append(overrun, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range overrun {
		b.recorder.RecordDrop(string(DropReasonBackpressure))
		b.logger.Warn(fmt.Sprintf("stream subscriber %s overrun, dropping subscription", sub.id), "StreamBroker")
		b.cancel(sub.id, DropReasonBackpressure)
	}
}

// buffer appends to a scope's replay ring, trimming the oldest entries
// past the cap. Callers must hold b.mu.
func (b *Broker) buffer(key string, msg ServerMessage) {
	ring := append(b.replay[key], msg)
	if excess := len(ring) - internalconfig.StreamResumeBufferSize; excess > 0 {
		ring = ring[excess:]
	}
	b.replay[key] = ring
}

func (b *Broker) cancel(id string, reason DropReason) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok && !sub.closed {
		sub.closed = true
		delete(b.subs, id)
	} else {
		sub = nil
	}
	b.mu.Unlock()
	if sub == nil {
		return
	}

	select {
	case sub.drops <- reason:
	default:
	}
	close(sub.updates)
}

func messageTypeFor(eventType subscriber.EventType) (MessageType, bool) {
	switch eventType {
	case subscriber.EventAdded:
		return MessageTypeAdded, true
	case subscriber.EventUpdated:
		return MessageTypeUpdated, true
	case subscriber.EventRemoved:
		return MessageTypeRemoved, true
	case subscriber.EventError:
		return MessageTypeError, true
	default:
		return "", false
	}
}

func scopeKey(storeID, snapshotID string) string {
	return storeID + "|" + snapshotID
}
