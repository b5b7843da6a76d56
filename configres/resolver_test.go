package configres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harborline/snapstore/configres"
	"github.com/harborline/snapstore/snapshot"
)

type countingSource struct {
	mu    sync.Mutex
	loads int
	cfg   snapshot.StoreConfig
	err   error
}

func (s *countingSource) Load(_ context.Context, storeID string) (snapshot.StoreConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return snapshot.StoreConfig{}, s.err
	}
	return s.cfg, nil
}

func (s *countingSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *countingSource) set(cfg snapshot.StoreConfig, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.err = err
}

func TestResolveMissingConfiguration(t *testing.T) {
	resolver := configres.New(configres.NewStaticSource(nil))
	if _, err := resolver.Resolve(context.Background(), "ghost"); !snapshot.IsConfigurationMissing(err) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}
}

func TestResolveCachesWithinMaxAge(t *testing.T) {
	source := &countingSource{cfg: snapshot.StoreConfig{
		CacheKey: "tasks",
		MaxAge:   time.Minute,
		Enabled:  true,
	}}
	resolver := configres.New(source)

	first, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first.CacheKey != second.CacheKey {
		t.Fatalf("cache returned different configs")
	}
	if source.loadCount() != 1 {
		t.Fatalf("expected one source load, got %d", source.loadCount())
	}

	hits, misses, _ := resolver.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("unexpected stats hits=%d misses=%d", hits, misses)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	source := &countingSource{cfg: snapshot.StoreConfig{
		CacheKey:             "tasks",
		BaseEndpoint:         "https://one.example",
		MaxAge:               0,
		StaleWhileRevalidate: 5 * time.Second,
		Enabled:              true,
	}}
	resolver := configres.New(source)

	first, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// swap the underlying config; the next call must still serve the
	// stale value synchronously while refreshing in the background
	source.set(snapshot.StoreConfig{
		CacheKey:             "tasks",
		BaseEndpoint:         "https://two.example",
		MaxAge:               time.Minute,
		StaleWhileRevalidate: 5 * time.Second,
		Enabled:              true,
	}, nil)

	stale, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("stale resolve: %v", err)
	}
	if stale.BaseEndpoint != first.BaseEndpoint {
		t.Fatalf("expected stale value %q, got %q", first.BaseEndpoint, stale.BaseEndpoint)
	}

	_, _, staleServes := resolver.Stats()
	if staleServes != 1 {
		t.Fatalf("expected one stale serve, got %d", staleServes)
	}

	// the detached refresh lands eventually
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if source.loadCount() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if source.loadCount() < 2 {
		t.Fatalf("background refresh never ran")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		refreshed, err := resolver.Resolve(context.Background(), "tasks")
		if err != nil {
			t.Fatalf("resolve after refresh: %v", err)
		}
		if refreshed.BaseEndpoint == "https://two.example" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache never picked up refreshed config")
}

// gateSource parks Load calls on a channel so tests can hold a refresh
// open across a cancellation.
type gateSource struct {
	mu      sync.Mutex
	cfg     snapshot.StoreConfig
	gate    chan struct{}
	entered chan struct{}
}

func (s *gateSource) Load(ctx context.Context, _ string) (snapshot.StoreConfig, error) {
	s.mu.Lock()
	gate := s.gate
	cfg := s.cfg
	s.mu.Unlock()
	if gate != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			// stay in flight after cancellation; a caller joining this
			// flight would observe the cancelled result
			<-gate
			return snapshot.StoreConfig{}, ctx.Err()
		case <-gate:
		}
	}
	return cfg, nil
}

func TestBlockingResolveSupersedesBackgroundRefresh(t *testing.T) {
	source := &gateSource{
		cfg: snapshot.StoreConfig{
			CacheKey:             "tasks",
			BaseEndpoint:         "https://one.example",
			MaxAge:               0,
			StaleWhileRevalidate: 30 * time.Millisecond,
			Enabled:              true,
		},
		entered: make(chan struct{}, 1),
	}
	resolver := configres.New(source)

	if _, err := resolver.Resolve(context.Background(), "tasks"); err != nil {
		t.Fatalf("seed resolve: %v", err)
	}

	gate := make(chan struct{})
	source.mu.Lock()
	source.gate = gate
	source.cfg.BaseEndpoint = "https://two.example"
	source.mu.Unlock()

	// a stale serve kicks off a background refresh that parks inside the
	// source
	if _, err := resolver.Resolve(context.Background(), "tasks"); err != nil {
		t.Fatalf("stale resolve: %v", err)
	}
	select {
	case <-source.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("background refresh never reached the source")
	}

	// let the stale window lapse so the next resolve blocks, then release
	// the parked refresh only after it has been superseded
	time.Sleep(60 * time.Millisecond)
	source.mu.Lock()
	source.gate = nil
	source.mu.Unlock()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	// the superseding caller must run its own resolution rather than join
	// the cancelled refresh and inherit its context error
	cfg, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("superseding resolve: %v", err)
	}
	if cfg.BaseEndpoint != "https://two.example" {
		t.Fatalf("expected fresh endpoint, got %q", cfg.BaseEndpoint)
	}
}

func TestDelegateChainFirstMatchWins(t *testing.T) {
	source := configres.NewStaticSource(map[string]snapshot.StoreConfig{
		"tasks": {
			CacheKey:     "tasks",
			BaseEndpoint: "https://base.example",
			MaxAge:       time.Minute,
			Enabled:      true,
			DelegateChain: []snapshot.Delegate{
				{Name: "calendars-only", Endpoint: "https://cal.example", Match: func(id string) bool { return id == "calendars" }},
				{Name: "fallback", Endpoint: "https://fallback.example"},
			},
		},
	})
	resolver := configres.New(source)

	cfg, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BaseEndpoint != "https://fallback.example" {
		t.Fatalf("expected first matching delegate endpoint, got %q", cfg.BaseEndpoint)
	}
}

func TestDelegateChainNoMatchKeepsBase(t *testing.T) {
	source := configres.NewStaticSource(map[string]snapshot.StoreConfig{
		"tasks": {
			CacheKey:     "tasks",
			BaseEndpoint: "https://base.example",
			MaxAge:       time.Minute,
			Enabled:      true,
			DelegateChain: []snapshot.Delegate{
				{Name: "other", Endpoint: "https://other.example", Match: func(id string) bool { return false }},
			},
		},
	})
	resolver := configres.New(source)

	cfg, err := resolver.Resolve(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BaseEndpoint != "https://base.example" {
		t.Fatalf("expected base endpoint, got %q", cfg.BaseEndpoint)
	}
}

func TestSimulatedSourceShortCircuit(t *testing.T) {
	base := &countingSource{cfg: snapshot.StoreConfig{CacheKey: "real", Enabled: true}}
	simulated := configres.NewStaticSource(map[string]snapshot.StoreConfig{
		"tasks": {CacheKey: "simulated", Enabled: true},
	})
	resolver := configres.New(base, configres.WithSimulatedSource(simulated))

	cfg, err := resolver.ResolveWith(context.Background(), "tasks", configres.Context{UseSimulatedDataSource: true})
	if err != nil {
		t.Fatalf("resolve simulated: %v", err)
	}
	if cfg.CacheKey != "simulated" {
		t.Fatalf("expected simulated config, got %q", cfg.CacheKey)
	}
	if base.loadCount() != 0 {
		t.Fatalf("base source consulted despite simulated request")
	}
}

func TestTransientFailureRetriedThenSurfaced(t *testing.T) {
	source := &countingSource{cfg: snapshot.StoreConfig{
		CacheKey:   "tasks",
		MaxAge:     0,
		RetryCount: 2,
		RetryDelay: time.Millisecond,
		Enabled:    true,
	}}
	resolver := configres.New(source)

	// first resolve succeeds and seeds the retry policy
	if _, err := resolver.Resolve(context.Background(), "tasks"); err != nil {
		t.Fatalf("seed resolve: %v", err)
	}
	resolver.Invalidate("tasks")

	// hold on to the policy by re-seeding, then fail the source
	if _, err := resolver.Resolve(context.Background(), "tasks"); err != nil {
		t.Fatalf("re-seed resolve: %v", err)
	}
	source.set(snapshot.StoreConfig{}, errors.New("connection refused"))
	before := source.loadCount()

	// the cache entry has MaxAge=0 and no SWR window, so this blocks on a
	// fresh resolve which retries twice and then surfaces the failure
	_, err := resolver.Resolve(context.Background(), "tasks")
	if !snapshot.IsDelegateUnavailable(err) {
		t.Fatalf("expected DelegateUnavailable, got %v", err)
	}
	if got := source.loadCount() - before; got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	source := configres.NewStaticSource(map[string]snapshot.StoreConfig{
		"broken": {MaxAge: -time.Second},
	})
	resolver := configres.New(source)
	if _, err := resolver.Resolve(context.Background(), "broken"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestInvalidate(t *testing.T) {
	source := &countingSource{cfg: snapshot.StoreConfig{CacheKey: "tasks", MaxAge: time.Minute, Enabled: true}}
	resolver := configres.New(source)

	if _, err := resolver.Resolve(context.Background(), "tasks"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolver.Invalidate("tasks")
	if _, err := resolver.Resolve(context.Background(), "tasks"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if source.loadCount() != 2 {
		t.Fatalf("expected invalidate to force a reload, got %d loads", source.loadCount())
	}
}
