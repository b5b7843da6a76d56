/*
 * internal/config/config.go
 *
 * Timing and sizing knobs used across the snapshot store subsystem.
 */

package config

import "time"

const (
	// DefaultMaxAge is the resolver cache freshness window applied when a
	// store configuration does not set one.
	DefaultMaxAge = 5 * time.Second

	// DefaultStaleWhileRevalidate is the window after DefaultMaxAge during
	// which a stale resolution may still be served while a background
	// refresh runs.
	DefaultStaleWhileRevalidate = 30 * time.Second

	// DefaultRetryCount caps delegate resolution attempts when the store
	// configuration leaves the retry policy unset.
	DefaultRetryCount = 3

	// DefaultRetryDelay is the initial backoff between delegate resolution
	// attempts. The delay doubles per attempt up to ResolveTimeout.
	DefaultRetryDelay = 500 * time.Millisecond

	// ResolveTimeout bounds a single configuration resolution, including
	// all retries against the delegate chain.
	ResolveTimeout = 30 * time.Second

	// FetchTimeout bounds a single delegate snapshot fetch.
	FetchTimeout = 15 * time.Second

	// FileSourceDebounce collapses bursts of filesystem events before a
	// config file source reloads. Editors often emit several writes for
	// one save.
	FileSourceDebounce = 200 * time.Millisecond

	// MaxSubscribersPerSnapshot limits concurrent subscribers per snapshot
	// to prevent memory exhaustion.
	MaxSubscribersPerSnapshot = 100

	// StreamSubscriberBufferSize buffers per-subscriber stream deliveries
	// before backpressure drops kick in.
	StreamSubscriberBufferSize = 256

	// StreamWriteTimeout bounds websocket writes for multiplexed streams.
	StreamWriteTimeout = 10 * time.Second

	// StreamHandshakeTimeout bounds websocket upgrade handshakes.
	StreamHandshakeTimeout = 45 * time.Second

	// StreamReadBufferSize and StreamWriteBufferSize size the websocket
	// connection buffers.
	StreamReadBufferSize  = 4096
	StreamWriteBufferSize = 4096

	// StreamHeartbeatInterval paces keepalive messages on idle stream
	// connections.
	StreamHeartbeatInterval = 30 * time.Second

	// StreamResumeBufferSize caps the per-scope replay buffer used to
	// serve resume tokens.
	StreamResumeBufferSize = 512

	// BatchConcurrencyLimit caps per-item workers inside batch operations.
	BatchConcurrencyLimit = 8

	// VersionHistoryLimit caps retained versions per snapshot. Zero means
	// unbounded; the store trims the oldest records beyond the cap.
	VersionHistoryLimit = 0
)
