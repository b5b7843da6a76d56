package configres_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborline/snapstore/configres"
	"github.com/harborline/snapstore/snapshot"
)

const sampleConfigYAML = `
stores:
  tasks:
    cacheKey: tasks
    baseEndpoint: https://tasks.example/api
    maxAge: 10s
    staleWhileRevalidate: 30s
    retryCount: 2
    retryDelay: 250ms
    delegates:
      - name: archive
        endpoint: https://archive.example/api
        stores: [archive-tasks]
  documents:
    cacheKey: docs
    enabled: false
`

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "stores.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFileSourceParsesStores(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), sampleConfigYAML)
	source, err := configres.NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	defer source.Close()

	cfg, err := source.Load(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	if cfg.MaxAge != 10*time.Second || cfg.StaleWhileRevalidate != 30*time.Second {
		t.Fatalf("unexpected windows %s/%s", cfg.MaxAge, cfg.StaleWhileRevalidate)
	}
	if cfg.RetryCount != 2 || cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected retry policy %d/%s", cfg.RetryCount, cfg.RetryDelay)
	}
	if !cfg.Enabled {
		t.Fatalf("enabled should default to true")
	}
	if len(cfg.DelegateChain) != 1 {
		t.Fatalf("expected one delegate, got %d", len(cfg.DelegateChain))
	}
	if cfg.DelegateChain[0].Applies("tasks") {
		t.Fatalf("delegate with store list must not apply to unlisted store")
	}
	if !cfg.DelegateChain[0].Applies("archive-tasks") {
		t.Fatalf("delegate must apply to listed store")
	}

	docs, err := source.Load(context.Background(), "documents")
	if err != nil {
		t.Fatalf("load documents: %v", err)
	}
	if docs.Enabled {
		t.Fatalf("explicit enabled:false must stick")
	}

	if _, err := source.Load(context.Background(), "missing"); !snapshot.IsConfigurationMissing(err) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}
}

func TestFileSourceRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "stores:\n  broken:\n    maxAge: nonsense\n")
	if _, err := configres.NewFileSource(path, nil); err == nil {
		t.Fatalf("expected parse error")
	}

	if _, err := configres.NewFileSource(filepath.Join(dir, "absent.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFileSourceHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfigYAML)
	source, err := configres.NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	defer source.Close()

	updated := `
stores:
  tasks:
    cacheKey: tasks-v2
    maxAge: 1s
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cfg, err := source.Load(context.Background(), "tasks")
		if err == nil && cfg.CacheKey == "tasks-v2" {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("file source never reloaded")
}
