package telemetry

import (
	"sync"
	"time"
)

// OperationStatus captures the latest outcome for one store operation kind.
type OperationStatus struct {
	Operation         string `json:"operation"`
	StoreID           string `json:"storeId,omitempty"`
	LastStatus        string `json:"lastStatus"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs"`
	LastUpdated       int64  `json:"lastUpdated"`
	SuccessCount      uint64 `json:"successCount"`
	FailureCount      uint64 `json:"failureCount"`
	TotalDurationMs   int64  `json:"totalDurationMs,omitempty"`
	AverageDurationMs int64  `json:"averageDurationMs,omitempty"`
}

// EmitStats summarises subscriber fan-out activity.
type EmitStats struct {
	Emits      uint64 `json:"emits"`
	Deliveries uint64 `json:"deliveries"`
	Drops      uint64 `json:"drops"`
	LastReason string `json:"lastReason,omitempty"`
}

// StreamStatus tracks connection churn for one named stream endpoint.
type StreamStatus struct {
	Stream      string `json:"stream"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
	Active      int64  `json:"active"`
	LastUpdated int64  `json:"lastUpdated"`
}

// ResolverStats mirrors the config resolver cache counters.
type ResolverStats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	StaleServes uint64 `json:"staleServes"`
	LastUpdated int64  `json:"lastUpdated,omitempty"`
}

// Summary aggregates the telemetry story for diagnostics.
type Summary struct {
	Operations []OperationStatus `json:"operations"`
	Emit       EmitStats         `json:"emit"`
	Resolver   ResolverStats     `json:"resolver"`
	Streams    []StreamStatus    `json:"streams,omitempty"`
}

// Recorder collects operation and fan-out telemetry in-memory.
type Recorder struct {
	mu         sync.RWMutex
	operations map[string]*OperationStatus
	emit       EmitStats
	resolver   ResolverStats
	streams    map[string]*StreamStatus
}

// NewRecorder returns an empty telemetry recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		operations: make(map[string]*OperationStatus),
		streams:    make(map[string]*StreamStatus),
	}
}

// RecordOperation logs one store operation outcome. A nil recorder is a no-op
// so callers can leave telemetry unconfigured.
func (r *Recorder) RecordOperation(operation, storeID string, duration time.Duration, err error) {
	if r == nil || operation == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.operations[operation]
	if !ok {
		entry = &OperationStatus{Operation: operation}
		r.operations[operation] = entry
	}

	entry.StoreID = storeID
	entry.LastDurationMs = duration.Milliseconds()
	entry.LastUpdated = time.Now().UnixMilli()
	if err != nil {
		entry.LastStatus = "error"
		entry.LastError = err.Error()
		entry.FailureCount++
	} else {
		entry.LastStatus = "success"
		entry.LastError = ""
		entry.SuccessCount++
	}

	entry.TotalDurationMs += entry.LastDurationMs
	if calls := entry.SuccessCount + entry.FailureCount; calls > 0 {
		entry.AverageDurationMs = entry.TotalDurationMs / int64(calls)
	}
}

// RecordEmit logs a fan-out pass and how many handlers it reached.
func (r *Recorder) RecordEmit(deliveries int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit.Emits++
	r.emit.Deliveries += uint64(deliveries)
}

// RecordDrop logs a delivery that was skipped, with the reason kept for
// diagnostics.
func (r *Recorder) RecordDrop(reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit.Drops++
	if reason != "" {
		r.emit.LastReason = reason
	}
}

// RecordStreamConnect logs a websocket client attaching to a stream.
func (r *Recorder) RecordStreamConnect(stream string) {
	if r == nil || stream == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.streamLocked(stream)
	entry.Connects++
	entry.Active++
	entry.LastUpdated = time.Now().UnixMilli()
}

// RecordStreamDisconnect logs a websocket client detaching.
func (r *Recorder) RecordStreamDisconnect(stream string) {
	if r == nil || stream == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.streamLocked(stream)
	entry.Disconnects++
	if entry.Active > 0 {
		entry.Active--
	}
	entry.LastUpdated = time.Now().UnixMilli()
}

func (r *Recorder) streamLocked(stream string) *StreamStatus {
	entry, ok := r.streams[stream]
	if !ok {
		entry = &StreamStatus{Stream: stream}
		r.streams[stream] = entry
	}
	return entry
}

// RecordResolver overwrites the resolver cache counters.
func (r *Recorder) RecordResolver(hits, misses, staleServes uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver.Hits = hits
	r.resolver.Misses = misses
	r.resolver.StaleServes = staleServes
	r.resolver.LastUpdated = time.Now().UnixMilli()
}

// Snapshot returns a copy of everything recorded so far.
func (r *Recorder) Snapshot() Summary {
	if r == nil {
		return Summary{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := Summary{
		Operations: make([]OperationStatus, 0, len(r.operations)),
		Emit:       r.emit,
		Resolver:   r.resolver,
	}
	for _, entry := range r.operations {
		summary.Operations = append(summary.Operations, *entry)
	}
	for _, entry := range r.streams {
		summary.Streams = append(summary.Streams, *entry)
	}
	return summary
}
