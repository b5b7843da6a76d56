package snapshot_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/harborline/snapstore/snapshot"
)

func TestNewInitialVersion(t *testing.T) {
	snap, err := snapshot.New("task-1", map[string]any{"title": "write report", "done": false}, "pending")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", snap.Version)
	}
	if len(snap.History) != 1 {
		t.Fatalf("expected one history record, got %d", len(snap.History))
	}
	if snap.Category != "pending" {
		t.Fatalf("unexpected category %q", snap.Category)
	}

	data, err := snapshot.DataAs[map[string]any](snap)
	if err != nil {
		t.Fatalf("data as: %v", err)
	}
	if data["title"] != "write report" {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestNewRejectsEmptyID(t *testing.T) {
	if _, err := snapshot.New("", nil, ""); err != snapshot.ErrEmptyID {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestNewRejectsInvalidJSON(t *testing.T) {
	if _, err := snapshot.New("x", json.RawMessage(`{broken`), ""); err != snapshot.ErrInvalidJSON {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestWithUpdatedDataAppendsHistory(t *testing.T) {
	snap, err := snapshot.New("task-1", map[string]any{"status": "open", "priority": 2}, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	updated, err := snap.WithUpdatedData(map[string]any{"status": "done", "priority": 2})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if len(updated.History) != 2 {
		t.Fatalf("expected two history records, got %d", len(updated.History))
	}
	// the receiver stays untouched
	if snap.Version != 1 || len(snap.History) != 1 {
		t.Fatalf("receiver mutated: version=%d history=%d", snap.Version, len(snap.History))
	}

	diff, err := snap.Compare(updated)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff) != 1 {
		t.Fatalf("expected exactly one changed key, got %v", diff)
	}
	change, ok := diff["status"]
	if !ok {
		t.Fatalf("expected status in diff, got %v", diff)
	}
	if change.Before != "open" || change.After != "done" {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestApplyPatchMerges(t *testing.T) {
	snap, err := snapshot.New("task-1", map[string]any{"status": "open", "tags": []string{"a"}}, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	patched, err := snap.ApplyPatch(json.RawMessage(`{"status":"done"}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	data, err := snapshot.DataAs[map[string]any](patched)
	if err != nil {
		t.Fatalf("data as: %v", err)
	}
	if data["status"] != "done" {
		t.Fatalf("patch not applied: %v", data)
	}
	if _, ok := data["tags"]; !ok {
		t.Fatalf("unrelated field dropped: %v", data)
	}
	if patched.Version != 2 {
		t.Fatalf("expected version 2, got %d", patched.Version)
	}

	record, err := patched.VersionAt(2)
	if err != nil {
		t.Fatalf("version at: %v", err)
	}
	if len(record.Delta) == 0 {
		t.Fatalf("expected delta on patched version")
	}
}

func TestApplyPatchRejectsInvalidPatch(t *testing.T) {
	snap, _ := snapshot.New("task-1", map[string]any{}, "")
	if _, err := snap.ApplyPatch(json.RawMessage(`{nope`)); err == nil {
		t.Fatalf("expected error for malformed patch")
	}
}

func TestCompareVersions(t *testing.T) {
	snap, _ := snapshot.New("task-1", map[string]any{"count": 1}, "")
	v2, _ := snap.WithUpdatedData(map[string]any{"count": 2})
	v3, _ := v2.WithUpdatedData(map[string]any{"count": 3})

	diff, err := v3.CompareVersions(1, 3)
	if err != nil {
		t.Fatalf("compare versions: %v", err)
	}
	change := diff["count"]
	if change.Before != float64(1) || change.After != float64(3) {
		t.Fatalf("unexpected change %+v", change)
	}

	if _, err := v3.CompareVersions(1, 9); err == nil {
		t.Fatalf("expected error for unknown version")
	}
}

func TestIsDescendantOf(t *testing.T) {
	nodes := map[string]*snapshot.Snapshot{
		"root":  {ID: "root"},
		"mid":   {ID: "mid", ParentID: "root"},
		"leaf":  {ID: "leaf", ParentID: "mid"},
		"loopA": {ID: "loopA", ParentID: "loopB"},
		"loopB": {ID: "loopB", ParentID: "loopA"},
	}
	lookup := func(id string) (*snapshot.Snapshot, bool) {
		snap, ok := nodes[id]
		return snap, ok
	}

	if !nodes["leaf"].IsDescendantOf("root", lookup, len(nodes)) {
		t.Fatalf("leaf should descend from root")
	}
	if nodes["root"].IsDescendantOf("leaf", lookup, len(nodes)) {
		t.Fatalf("root must not descend from leaf")
	}
	if nodes["leaf"].IsDescendantOf("leaf", lookup, len(nodes)) {
		t.Fatalf("a snapshot is not its own descendant")
	}
	// broken chains terminate instead of looping
	if nodes["loopA"].IsDescendantOf("root", lookup, len(nodes)) {
		t.Fatalf("cyclic chain must resolve to false")
	}
}

func TestCloneIsolation(t *testing.T) {
	snap, _ := snapshot.New("task-1", map[string]any{"a": 1}, "")
	snap.Metadata = map[string]any{"owner": "u1"}
	snap.ChildIDs = []string{"c1"}

	clone := snap.Clone()
	clone.Metadata["owner"] = "u2"
	clone.ChildIDs[0] = "c9"
	clone.SetCategory("changed")

	if snap.Metadata["owner"] != "u1" {
		t.Fatalf("metadata leaked through clone")
	}
	if snap.ChildIDs[0] != "c1" {
		t.Fatalf("child ids leaked through clone")
	}
	if snap.Category == "changed" {
		t.Fatalf("category leaked through clone")
	}
}

func TestStoreConfigValidate(t *testing.T) {
	valid := snapshot.StoreConfig{
		CacheKey:             "tasks",
		MaxAge:               time.Second,
		StaleWhileRevalidate: 5 * time.Second,
		RetryCount:           2,
		RetryDelay:           time.Millisecond,
		Enabled:              true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	for name, cfg := range map[string]snapshot.StoreConfig{
		"negative maxAge": {MaxAge: -time.Second},
		"negative swr":    {StaleWhileRevalidate: -time.Second},
		"negative retry":  {RetryCount: -1},
		"empty delegate":  {DelegateChain: []snapshot.Delegate{{}}},
	} {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected validation error for %s", name)
		}
	}
}

func TestErrorPredicates(t *testing.T) {
	cases := []struct {
		err   error
		check func(error) bool
	}{
		{snapshot.DuplicateError{ID: "a"}, snapshot.IsDuplicate},
		{snapshot.NotFoundError{ID: "a"}, snapshot.IsNotFound},
		{snapshot.ConfigurationMissingError{StoreID: "s"}, snapshot.IsConfigurationMissing},
		{snapshot.DelegateUnavailableError{StoreID: "s"}, snapshot.IsDelegateUnavailable},
		{snapshot.InvalidCriteriaError{Field: "f"}, snapshot.IsInvalidCriteria},
		{snapshot.CycleError{ParentID: "p", ChildID: "c"}, snapshot.IsCycle},
		{snapshot.SubscriberNotFoundError{SubscriberID: "u"}, snapshot.IsSubscriberNotFound},
		{snapshot.DisabledError{StoreID: "s"}, snapshot.IsDisabled},
	}
	for _, tc := range cases {
		if !tc.check(tc.err) {
			t.Fatalf("predicate failed for %T", tc.err)
		}
		if tc.check(nil) {
			t.Fatalf("predicate matched nil for %T", tc.err)
		}
	}
}
