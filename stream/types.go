package stream

import "github.com/harborline/snapstore/snapshot"

// MessageType represents the message type used for stream requests and updates.
type MessageType string

const (
	MessageTypeRequest   MessageType = "REQUEST"
	MessageTypeCancel    MessageType = "CANCEL"
	MessageTypeError     MessageType = "ERROR"
	MessageTypeHeartbeat MessageType = "HEARTBEAT"
	MessageTypeReset     MessageType = "RESET"
	MessageTypeComplete  MessageType = "COMPLETE"
	MessageTypeAdded     MessageType = "ADDED"
	MessageTypeUpdated   MessageType = "UPDATED"
	MessageTypeRemoved   MessageType = "REMOVED"
)

// DropReason captures why a subscription was terminated.
type DropReason string

const (
	DropReasonBackpressure DropReason = "backpressure"
	DropReasonClosed       DropReason = "closed"
)

// ClientMessage is the request envelope sent from websocket clients.
type ClientMessage struct {
	Type        MessageType `json:"type"`
	StoreID     string      `json:"storeId,omitempty"`
	SnapshotID  string      `json:"snapshotId,omitempty"`
	ResumeToken string      `json:"resumeToken,omitempty"`
}

// ServerMessage is the envelope sent back to websocket clients.
type ServerMessage struct {
	Type       MessageType        `json:"type"`
	StoreID    string             `json:"storeId,omitempty"`
	SnapshotID string             `json:"snapshotId,omitempty"`
	Sequence   string             `json:"sequence,omitempty"`
	Snapshot   *snapshot.Snapshot `json:"snapshot,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Subscription captures an active stream subscription.
type Subscription struct {
	StoreID    string
	SnapshotID string
	Updates    <-chan ServerMessage
	Drops      <-chan DropReason
	Cancel     func()
}
