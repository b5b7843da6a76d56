package source_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harborline/snapstore/snapshot"
	"github.com/harborline/snapstore/source"
)

func mustSnapshot(t *testing.T, id string, data any, category string) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.New(id, data, category)
	if err != nil {
		t.Fatalf("New(%q): %v", id, err)
	}
	return snap
}

func TestMemorySourceFetch(t *testing.T) {
	ms := source.NewMemorySource()
	ms.Put(mustSnapshot(t, "svc-1", map[string]any{"status": "active"}, "services"))

	snap, err := ms.Fetch(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Category != "services" {
		t.Fatalf("category = %q, want services", snap.Category)
	}

	// Mutating the returned copy must not leak back into the source.
	snap.Category = "changed"
	again, err := ms.Fetch(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Fetch again: %v", err)
	}
	if again.Category != "services" {
		t.Fatalf("stored snapshot mutated through returned copy")
	}
}

func TestMemorySourceFetchMissing(t *testing.T) {
	ms := source.NewMemorySource()
	_, err := ms.Fetch(context.Background(), "ghost")
	if !snapshot.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestMemorySourceFetchBySubscriber(t *testing.T) {
	ms := source.NewMemorySource()
	ms.Put(mustSnapshot(t, "a", map[string]any{"n": 1}, "general"))
	ms.Put(mustSnapshot(t, "b", map[string]any{"n": 2}, "general"))
	ms.Put(mustSnapshot(t, "c", map[string]any{"n": 3}, "general"))
	ms.Associate("user-1", "a")
	ms.Associate("user-1", "c")

	snaps, err := ms.FetchBySubscriber(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("FetchBySubscriber: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snapshots/svc-1" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Client-ID") != "node-7" {
			t.Errorf("missing identity header on delegate request")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ID":       "svc-1",
			"Data":     map[string]any{"status": "active"},
			"Category": "services",
			"Version":  3,
		})
	}))
	defer srv.Close()

	src, err := source.NewHTTPSource(srv.URL, source.WithStamper(headerStamper{"X-Client-ID": "node-7"}))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	snap, err := src.Fetch(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.ID != "svc-1" || snap.Version != 3 {
		t.Fatalf("snapshot = %+v, want svc-1 v3", snap)
	}
}

func TestHTTPSourceNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	src, err := source.NewHTTPSource(srv.URL, source.WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	_, err = src.Fetch(context.Background(), "ghost")
	if !snapshot.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("delegate called %d times, want 1", got)
	}
}

func TestHTTPSourceRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ID": "svc-1", "Data": map[string]any{}})
	}))
	defer srv.Close()

	src, err := source.NewHTTPSource(srv.URL, source.WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	snap, err := src.Fetch(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Fetch after retries: %v", err)
	}
	if snap.ID != "svc-1" {
		t.Fatalf("snapshot ID = %q, want svc-1", snap.ID)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("delegate called %d times, want 3", got)
	}
}

func TestHTTPSourceExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := source.NewHTTPSource(srv.URL, source.WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	_, err = src.Fetch(context.Background(), "svc-1")
	if !snapshot.IsDelegateUnavailable(err) {
		t.Fatalf("err = %v, want DelegateUnavailableError", err)
	}
}

func TestSQLiteSourceRoundTrip(t *testing.T) {
	src, err := source.OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("OpenSQLiteMemory: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	snap := mustSnapshot(t, "node-1", map[string]any{"status": "active"}, "nodes")
	snap.Metadata = map[string]any{"region": "eu-west"}
	if err := src.Put(ctx, snap); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := src.Associate(ctx, "user-1", "node-1"); err != nil {
		t.Fatalf("Associate: %v", err)
	}

	got, err := src.Fetch(ctx, "node-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Category != "nodes" || got.Version != 1 {
		t.Fatalf("fetched %+v, want nodes v1", got)
	}
	if got.Metadata["region"] != "eu-west" {
		t.Fatalf("metadata = %v, want region eu-west", got.Metadata)
	}

	bySub, err := src.FetchBySubscriber(ctx, "user-1")
	if err != nil {
		t.Fatalf("FetchBySubscriber: %v", err)
	}
	if len(bySub) != 1 || bySub[0].ID != "node-1" {
		t.Fatalf("FetchBySubscriber = %+v, want [node-1]", bySub)
	}

	_, err = src.Fetch(ctx, "ghost")
	if !snapshot.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

type headerStamper map[string]string

func (h headerStamper) Stamp(req *http.Request) {
	for k, v := range h {
		req.Header.Set(k, v)
	}
}
