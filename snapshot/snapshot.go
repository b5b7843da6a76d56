// Package snapshot defines the versioned value type at the heart of the
// store: an immutable-by-convention record of one entity's state, its
// append-only version history, and its position in a parent/child tree.
package snapshot

import (
	"encoding/json"
	"errors"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrEmptyID is returned when a snapshot is built without an id.
	ErrEmptyID = errors.New("snapshot id must not be empty")

	// ErrInvalidJSON is returned when entity data is not valid JSON.
	ErrInvalidJSON = errors.New("snapshot data is not valid json")

	// ErrNoHistory is returned when a version lookup finds no record.
	ErrNoHistory = errors.New("snapshot has no recorded version")
)

// Snapshot is a point-in-time representation of one entity. The wrapped
// entity data is opaque JSON; mutations produce a new value with the old
// state appended to History. Hierarchy links hold ids only, never object
// references, so snapshots can be copied freely.
type Snapshot struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data"`
	Category    string          `json:"category,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     uint64          `json:"version"`
	History     []Version       `json:"history,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	ChildIDs    []string        `json:"childIds,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Subscribers []string        `json:"subscribers,omitempty"`
	Source      Source          `json:"source,omitempty"`
}

// Version is one append-only history record. Delta holds the JSON merge
// patch that produced this version from its predecessor; it is empty for
// the initial version.
type Version struct {
	Number    uint64          `json:"number"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Delta     json.RawMessage `json:"delta,omitempty"`
}

// New builds the initial version of a snapshot. The data value is
// marshalled to JSON; raw []byte and json.RawMessage inputs are validated
// rather than re-encoded.
func New(id string, data any, category string) (*Snapshot, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Snapshot{
		ID:        id,
		Data:      raw,
		Category:  category,
		Timestamp: now,
		Version:   1,
		History: []Version{{
			Number:    1,
			Timestamp: now,
			Data:      raw,
		}},
	}, nil
}

// WithUpdatedData returns a copy of the snapshot carrying the new data as
// a fresh version. The receiver is not modified; the previous state stays
// in the copied history.
func (s *Snapshot) WithUpdatedData(data any) (*Snapshot, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	delta, err := jsonpatch.CreateMergePatch(s.Data, raw)
	if err != nil {
		delta = nil
	}
	return s.nextVersion(raw, delta), nil
}

// ApplyPatch returns a copy of the snapshot with the JSON merge patch
// applied to its data as a fresh version.
func (s *Snapshot) ApplyPatch(patch json.RawMessage) (*Snapshot, error) {
	if !jsoniter.ConfigFastest.Valid(patch) {
		return nil, ErrInvalidJSON
	}
	merged, err := jsonpatch.MergePatch(s.Data, patch)
	if err != nil {
		return nil, err
	}
	return s.nextVersion(merged, append(json.RawMessage(nil), patch...)), nil
}

func (s *Snapshot) nextVersion(data, delta json.RawMessage) *Snapshot {
	next := s.Clone()
	next.Data = data
	next.Version = s.Version + 1
	next.Timestamp = time.Now()
	next.History = append(next.History, Version{
		Number:    next.Version,
		Timestamp: next.Timestamp,
		Data:      data,
		Delta:     delta,
	})
	return next
}

// SetCategory replaces the classification label. Categories are only ever
// assigned explicitly, never inferred after creation.
func (s *Snapshot) SetCategory(label string) {
	s.Category = label
}

// VersionAt returns the history record for the given version number.
func (s *Snapshot) VersionAt(number uint64) (Version, error) {
	for _, record := range s.History {
		if record.Number == number {
			return record, nil
		}
	}
	return Version{}, ErrNoHistory
}

// Clone returns a deep copy. History shares the immutable raw data slices
// but the history, child and metadata containers are copied so mutations
// on the clone never leak back.
func (s *Snapshot) Clone() *Snapshot {
	clone := *s
	clone.History = append([]Version(nil), s.History...)
	clone.ChildIDs = append([]string(nil), s.ChildIDs...)
	clone.Subscribers = append([]string(nil), s.Subscribers...)
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Lookup resolves a snapshot id to its current value. The owning store
// supplies one; snapshots never hold store references themselves.
type Lookup func(id string) (*Snapshot, bool)

// IsDescendantOf walks the parent chain and reports whether ancestorID is
// reached. The walk is bounded by maxDepth (callers pass the store size)
// and keeps a seen-set, so a corrupted chain terminates with false rather
// than looping.
func (s *Snapshot) IsDescendantOf(ancestorID string, lookup Lookup, maxDepth int) bool {
	if lookup == nil || ancestorID == "" || s.ID == ancestorID {
		return false
	}
	seen := map[string]struct{}{s.ID: {}}
	current := s.ParentID
	for steps := 0; current != "" && steps <= maxDepth; steps++ {
		if current == ancestorID {
			return true
		}
		if _, visited := seen[current]; visited {
			return false
		}
		seen[current] = struct{}{}
		parent, ok := lookup(current)
		if !ok {
			return false
		}
		current = parent.ParentID
	}
	return false
}

// DataAs unmarshals the entity data into T.
func DataAs[T any](s *Snapshot) (T, error) {
	var value T
	if s == nil || len(s.Data) == 0 {
		return value, ErrInvalidJSON
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(s.Data, &value); err != nil {
		return value, err
	}
	return value, nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch typed := data.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if !jsoniter.ConfigFastest.Valid(typed) {
			return nil, ErrInvalidJSON
		}
		return append(json.RawMessage(nil), typed...), nil
	case []byte:
		if !jsoniter.ConfigFastest.Valid(typed) {
			return nil, ErrInvalidJSON
		}
		return append(json.RawMessage(nil), typed...), nil
	default:
		raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(data)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}
