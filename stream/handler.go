package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/telemetry"
)

type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// Adapter provides the subscription and resume logic behind a handler.
type Adapter interface {
	Subscribe(storeID, snapshotID string) (*Subscription, error)
	Resume(storeID, snapshotID string, since uint64) ([]ServerMessage, bool)
}

// Config captures the dependencies for a websocket stream multiplexer.
type Config struct {
	Adapter    Adapter
	Logger     logging.Logger
	Telemetry  *telemetry.Recorder
	StreamName string
	SendReset  bool
}

// Handler exposes a websocket endpoint that multiplexes stream
// subscriptions over one connection.
type Handler struct {
	adapter    Adapter
	logger     logging.Logger
	telemetry  *telemetry.Recorder
	streamName string
	sendReset  bool
	upgrader   websocket.Upgrader
}

// NewHandler constructs a websocket stream multiplexer handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("stream adapter is required")
	}
	if cfg.StreamName == "" {
		return nil, errors.New("stream name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &Handler{
		adapter:    cfg.Adapter,
		logger:     cfg.Logger,
		telemetry:  cfg.Telemetry,
		streamName: cfg.StreamName,
		sendReset:  cfg.SendReset,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  internalconfig.StreamReadBufferSize,
			WriteBufferSize: internalconfig.StreamWriteBufferSize,
			// Prevent slow or stalled websocket upgrades from hanging indefinitely.
			HandshakeTimeout: internalconfig.StreamHandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrades the connection and multiplexes stream subscriptions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("stream upgrade failed: %v", err), "Stream")
		return
	}

	h.telemetry.RecordStreamConnect(h.streamName)
	defer h.telemetry.RecordStreamDisconnect(h.streamName)

	session := newSession(conn, h.adapter, h.logger, h.telemetry, h.sendReset)
	session.run(r.Context())
}

type session struct {
	conn      wsConn
	adapter   Adapter
	logger    logging.Logger
	telemetry *telemetry.Recorder
	sendReset bool

	mu        sync.Mutex
	subs      map[string]*Subscription
	outgoing  chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn wsConn, adapter Adapter, logger logging.Logger, recorder *telemetry.Recorder, sendReset bool) *session {
	return &session{
		conn:       conn,
		adapter:    adapter,
		logger:     logger,
		telemetry:  recorder,
		sendReset:  sendReset,
		subs:       make(map[string]*Subscription),
		outgoing:   make(chan ServerMessage, internalconfig.StreamSubscriberBufferSize),
		done:       make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	go s.writeLoop(ctx)
	s.readLoop()
	s.shutdown()
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, sub := range s.subs {
			sub.Cancel()
		}
		s.subs = make(map[string]*Subscription)
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) readLoop() {
	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn(fmt.Sprintf("stream read error: %v", err), "Stream")
			}
			return
		}

		switch msg.Type {
		case MessageTypeRequest:
			s.handleSubscribe(msg)
		case MessageTypeCancel:
			s.handleCancel(msg)
		default:
			s.sendError(msg.StoreID, msg.SnapshotID, errors.New("unsupported request type"))
		}
	}
}

func (s *session) handleSubscribe(msg ClientMessage) {
	if msg.StoreID == "" {
		s.sendError(msg.StoreID, msg.SnapshotID, errors.New("store id is required"))
		return
	}

	sub, err := s.adapter.Subscribe(msg.StoreID, msg.SnapshotID)
	if err != nil {
		s.sendError(msg.StoreID, msg.SnapshotID, err)
		return
	}

	key := subscriptionKey(msg.StoreID, msg.SnapshotID)
	s.storeSubscription(key, sub)

	resumeToken := parseResumeToken(msg.ResumeToken)
	resumeUpdates := []ServerMessage(nil)
	resumeOK := false
	resumeHighWater := uint64(0)
	if resumeToken > 0 {
		resumeUpdates, resumeOK = s.adapter.Resume(msg.StoreID, msg.SnapshotID, resumeToken)
		if !resumeOK {
			s.logger.Warn(fmt.Sprintf("stream: resume token expired for %s/%s", msg.StoreID, msg.SnapshotID), "Stream")
		}
		if resumeOK && len(resumeUpdates) > 0 {
			// Track the highest buffered sequence to skip duplicates from live delivery.
			resumeHighWater = resumeToken
			for _, update := range resumeUpdates {
				if sequence, ok := parseSequence(update.Sequence); ok && sequence > resumeHighWater {
					resumeHighWater = sequence
				}
			}
		}
	}

	if s.sendReset && !resumeOK {
		s.enqueue(ServerMessage{
			Type:       MessageTypeReset,
			StoreID:    msg.StoreID,
			SnapshotID: msg.SnapshotID,
		})
	}

	for _, update := range resumeUpdates {
		s.enqueue(update)
	}

	go s.forwardSubscription(key, resumeHighWater)
}

func (s *session) handleCancel(msg ClientMessage) {
	if msg.StoreID == "" {
		s.sendError(msg.StoreID, msg.SnapshotID, errors.New("store id is required"))
		return
	}

	key := subscriptionKey(msg.StoreID, msg.SnapshotID)
	s.mu.Lock()
	sub := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Cancel()
}

func (s *session) storeSubscription(key string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.subs[key]; existing != nil {
		existing.Cancel()
	}
	s.subs[key] = sub
}

func (s *session) forwardSubscription(key string, resumeHighWater uint64) {
	s.mu.Lock()
	sub := s.subs[key]
	s.mu.Unlock()
	if sub == nil {
		return
	}
	for {
		select {
		case update, ok := <-sub.Updates:
			if !ok {
				return
			}
			if resumeHighWater > 0 {
				// Skip updates already replayed from the resume buffer.
				if sequence, ok := parseSequence(update.Sequence); ok && sequence <= resumeHighWater {
					continue
				}
			}
			s.enqueue(update)
		case reason, ok := <-sub.Drops:
			if !ok {
				return
			}
			s.enqueue(ServerMessage{
				Type:       MessageTypeComplete,
				StoreID:    sub.StoreID,
				SnapshotID: sub.SnapshotID,
				Error:      fmt.Sprintf("subscription ended: %s", reason),
			})
			return
		case <-s.done:
			return
		}
	}
}

func (s *session) enqueue(msg ServerMessage) {
	select {
	case s.outgoing <- msg:
	default:
		s.handleBackpressure(msg)
	}
}

func (s *session) handleBackpressure(msg ServerMessage) {
	if msg.Type == MessageTypeHeartbeat {
		s.logger.Warn("stream: outgoing buffer full, dropping heartbeat", "Stream")
		return
	}

	// Drop the oldest message and issue a RESET so only the hot scope resyncs.
	select {
	case <-s.outgoing:
	default:
	}
	s.telemetry.RecordDrop(string(DropReasonBackpressure))

	if msg.StoreID == "" {
		s.logger.Warn("stream: outgoing buffer full, dropping message", "Stream")
		return
	}

	reset := ServerMessage{
		Type:       MessageTypeReset,
		StoreID:    msg.StoreID,
		SnapshotID: msg.SnapshotID,
	}
	select {
	case s.outgoing <- reset:
		s.logger.Warn(fmt.Sprintf("stream: outgoing buffer full, issued reset for %s/%s", msg.StoreID, msg.SnapshotID), "Stream")
	default:
		s.logger.Warn("stream: outgoing buffer full, dropping message", "Stream")
	}
}

func (s *session) writeLoop(ctx context.Context) {
	heartbeat := time.NewTicker(internalconfig.StreamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.outgoing:
			if err := s.writeMessage(msg); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := s.writeMessage(ServerMessage{Type: MessageTypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (s *session) writeMessage(msg ServerMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(internalconfig.StreamWriteTimeout)); err != nil {
		s.logger.Warn(fmt.Sprintf("stream: write deadline failed: %v", err), "Stream")
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		if !isExpectedStreamCloseError(err) {
			s.logger.Warn(fmt.Sprintf("stream write error: %v", err), "Stream")
		}
		s.shutdown()
		return err
	}
	return nil
}

func (s *session) sendError(storeID, snapshotID string, err error) {
	if err == nil {
		err = errors.New("stream error")
	}
	s.enqueue(ServerMessage{
		Type:       MessageTypeError,
		StoreID:    storeID,
		SnapshotID: snapshotID,
		Error:      err.Error(),
	})
}

// Normal view transitions close the websocket without a close status or
// after we send a close.
func isExpectedStreamCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func subscriptionKey(storeID, snapshotID string) string {
	return strings.TrimSpace(storeID) + "|" + strings.TrimSpace(snapshotID)
}

// parseResumeToken converts client tokens into sequence numbers,
// defaulting to zero on errors.
func parseResumeToken(value string) uint64 {
	token, ok := parseSequence(value)
	if !ok {
		return 0
	}
	return token
}

// parseSequence parses a stream sequence, returning false for empty or
// invalid input.
func parseSequence(value string) (uint64, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, false
	}
	token, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return token, true
}
