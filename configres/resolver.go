// Package configres resolves the effective operating configuration for a
// snapshot store: simulated source short-circuit, delegate chain walk,
// per-store memoization with stale-while-revalidate semantics, and retry
// with backoff around transient source failures.
package configres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/snapshot"
)

// Source supplies base configurations per store. Load returns
// ConfigurationMissingError when the store is unknown; any other error is
// treated as transient and retried.
type Source interface {
	Load(ctx context.Context, storeID string) (snapshot.StoreConfig, error)
}

// Context carries per-request resolution options.
type Context struct {
	// UseSimulatedDataSource short-circuits resolution to the simulated
	// source, bypassing delegates and the cache.
	UseSimulatedDataSource bool
}

// Resolver memoizes resolved configurations per store. The memo is keyed
// by store id alone: a configuration's CacheKey only becomes known once
// the configuration has been resolved, so a CacheKey change takes effect
// on the next refresh instead of forming a second cache entry.
type Resolver struct {
	source    Source
	simulated Source
	logger    logging.Logger

	group singleflight.Group

	mu       sync.Mutex
	cache    map[string]*cacheEntry
	inflight map[string]context.CancelFunc

	// Stats are updated under mu and exposed for telemetry.
	hits        uint64
	misses      uint64
	staleServes uint64
}

type cacheEntry struct {
	config   snapshot.StoreConfig
	resolved time.Time
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithSimulatedSource registers the source consulted when a request sets
// UseSimulatedDataSource.
func WithSimulatedSource(source Source) Option {
	return func(r *Resolver) { r.simulated = source }
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a Resolver over the given base source.
func New(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:   source,
		logger:   logging.Noop(),
		cache:    make(map[string]*cacheEntry),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the effective configuration for the store using default
// request options.
func (r *Resolver) Resolve(ctx context.Context, storeID string) (snapshot.StoreConfig, error) {
	return r.ResolveWith(ctx, storeID, Context{})
}

// ResolveWith resolves the store configuration honouring the request
// context. Cached values fresher than MaxAge are returned directly; within
// the stale-while-revalidate window the stale value is returned
// immediately and a detached background refresh is triggered; beyond that
// window the caller blocks on a fresh resolution collapsed through
// singleflight.
func (r *Resolver) ResolveWith(ctx context.Context, storeID string, rctx Context) (snapshot.StoreConfig, error) {
	if storeID == "" {
		return snapshot.StoreConfig{}, snapshot.ConfigurationMissingError{StoreID: storeID}
	}

	if rctx.UseSimulatedDataSource {
		if r.simulated == nil {
			return snapshot.StoreConfig{}, snapshot.ConfigurationMissingError{StoreID: storeID}
		}
		return r.simulated.Load(ctx, storeID)
	}

	now := time.Now()
	r.mu.Lock()
	entry, cached := r.cache[storeID]
	if cached {
		age := now.Sub(entry.resolved)
		if age <= entry.config.MaxAge {
			r.hits++
			cfg := entry.config
			r.mu.Unlock()
			return cfg, nil
		}
		if age <= entry.config.MaxAge+entry.config.StaleWhileRevalidate {
			r.staleServes++
			cfg := entry.config
			r.mu.Unlock()
			r.refreshAsync(storeID)
			return cfg, nil
		}
	}
	r.misses++
	r.mu.Unlock()

	// A blocking resolve supersedes any in-flight background refresh for
	// the same store: last writer wins.
	r.cancelInflight(storeID)

	return r.resolveFresh(ctx, storeID)
}

// Invalidate drops the memoized configuration and cancels any in-flight
// refresh for the store.
func (r *Resolver) Invalidate(storeID string) {
	r.cancelInflight(storeID)
	r.mu.Lock()
	delete(r.cache, storeID)
	r.mu.Unlock()
}

// Stats reports cache hit/miss/stale-serve counters.
func (r *Resolver) Stats() (hits, misses, staleServes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses, r.staleServes
}

func (r *Resolver) resolveFresh(ctx context.Context, storeID string) (snapshot.StoreConfig, error) {
	value, err, _ := r.group.Do(r.flightKey(storeID), func() (interface{}, error) {
		return r.loadAndStore(ctx, storeID)
	})
	if err != nil {
		return snapshot.StoreConfig{}, err
	}
	return value.(snapshot.StoreConfig), nil
}

// refreshAsync refreshes the cache on a detached goroutine. The caller
// that observed the stale value never blocks on it and a failed refresh
// leaves the stale entry in place.
func (r *Resolver) refreshAsync(storeID string) {
	refreshCtx, cancel := context.WithTimeout(context.Background(), internalconfig.ResolveTimeout)

	r.mu.Lock()
	if _, running := r.inflight[storeID]; running {
		r.mu.Unlock()
		cancel()
		return
	}
	r.inflight[storeID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.inflight, storeID)
			r.mu.Unlock()
		}()
		_, err, _ := r.group.Do(r.flightKey(storeID), func() (interface{}, error) {
			return r.loadAndStore(refreshCtx, storeID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn(fmt.Sprintf("background config refresh for %s failed: %v", storeID, err), "ConfigResolver")
		}
	}()
}

func (r *Resolver) cancelInflight(storeID string) {
	r.mu.Lock()
	cancel, running := r.inflight[storeID]
	if running {
		delete(r.inflight, storeID)
	}
	r.mu.Unlock()
	if running {
		cancel()
		// The superseding caller must start its own flight; joining the
		// cancelled one would surface context.Canceled to a live caller.
		r.group.Forget(r.flightKey(storeID))
	}
}

func (r *Resolver) loadAndStore(ctx context.Context, storeID string) (snapshot.StoreConfig, error) {
	cfg, err := r.loadWithRetry(ctx, storeID)
	if err != nil {
		return snapshot.StoreConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return snapshot.StoreConfig{}, fmt.Errorf("configuration for store %s invalid: %w", storeID, err)
	}

	effective := applyDelegateChain(storeID, cfg)

	r.mu.Lock()
	r.cache[storeID] = &cacheEntry{config: effective, resolved: time.Now()}
	r.mu.Unlock()
	return effective, nil
}

// loadWithRetry retries transient source failures with doubling backoff.
// ConfigurationMissing is a terminal answer and never retried.
func (r *Resolver) loadWithRetry(ctx context.Context, storeID string) (snapshot.StoreConfig, error) {
	attempts, delay := r.retryPolicy(storeID)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return snapshot.StoreConfig{}, ctx.Err()
		}
		cfg, err := r.source.Load(ctx, storeID)
		if err == nil {
			return cfg, nil
		}
		if snapshot.IsConfigurationMissing(err) {
			return snapshot.StoreConfig{}, err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return snapshot.StoreConfig{}, ctx.Err()
		case <-timer.C:
		}
		timer.Stop()
		delay *= 2
		if delay > internalconfig.ResolveTimeout {
			delay = internalconfig.ResolveTimeout
		}
	}
	return snapshot.StoreConfig{}, snapshot.DelegateUnavailableError{
		StoreID:  storeID,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// retryPolicy prefers the retry settings from the previous resolution of
// the same store and falls back to the package defaults.
func (r *Resolver) retryPolicy(storeID string) (attempts int, delay time.Duration) {
	attempts = internalconfig.DefaultRetryCount
	delay = internalconfig.DefaultRetryDelay

	r.mu.Lock()
	if entry, ok := r.cache[storeID]; ok {
		if entry.config.RetryCount > 0 {
			attempts = entry.config.RetryCount
		}
		if entry.config.RetryDelay > 0 {
			delay = entry.config.RetryDelay
		}
	}
	r.mu.Unlock()

	if attempts < 1 {
		attempts = 1
	}
	return attempts, delay
}

func (r *Resolver) flightKey(storeID string) string {
	return fmt.Sprintf("resolve:%s", storeID)
}

// applyDelegateChain walks the delegate chain in order and points the
// effective configuration at the first matching delegate's endpoint. With
// no match the base configuration stands.
func applyDelegateChain(storeID string, cfg snapshot.StoreConfig) snapshot.StoreConfig {
	for _, delegate := range cfg.DelegateChain {
		if delegate.Applies(storeID) {
			effective := cfg
			if delegate.Endpoint != "" {
				effective.BaseEndpoint = delegate.Endpoint
			}
			return effective
		}
	}
	return cfg
}
