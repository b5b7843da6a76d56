package configres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	internalconfig "github.com/harborline/snapstore/internal/config"
	"github.com/harborline/snapstore/logging"
	"github.com/harborline/snapstore/snapshot"
)

// StaticSource serves configurations from an in-memory map. It doubles as
// the simulated data source in tests and local development.
type StaticSource struct {
	mu      sync.RWMutex
	configs map[string]snapshot.StoreConfig
}

// NewStaticSource copies the supplied configs into a source.
func NewStaticSource(configs map[string]snapshot.StoreConfig) *StaticSource {
	copied := make(map[string]snapshot.StoreConfig, len(configs))
	for id, cfg := range configs {
		copied[id] = cfg
	}
	return &StaticSource{configs: copied}
}

// Load implements Source.
func (s *StaticSource) Load(_ context.Context, storeID string) (snapshot.StoreConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[storeID]
	if !ok {
		return snapshot.StoreConfig{}, snapshot.ConfigurationMissingError{StoreID: storeID}
	}
	return cfg, nil
}

// Set stores or replaces a configuration.
func (s *StaticSource) Set(storeID string, cfg snapshot.StoreConfig) {
	s.mu.Lock()
	s.configs[storeID] = cfg
	s.mu.Unlock()
}

// fileStoreConfig is the YAML shape of one store entry. Durations are
// strings accepted by time.ParseDuration.
type fileStoreConfig struct {
	CacheKey             string             `yaml:"cacheKey"`
	BaseEndpoint         string             `yaml:"baseEndpoint"`
	MaxAge               string             `yaml:"maxAge"`
	StaleWhileRevalidate string             `yaml:"staleWhileRevalidate"`
	RetryCount           int                `yaml:"retryCount"`
	RetryDelay           string             `yaml:"retryDelay"`
	Enabled              *bool              `yaml:"enabled"`
	Delegates            []fileDelegateSpec `yaml:"delegates"`
}

type fileDelegateSpec struct {
	Name     string   `yaml:"name"`
	Endpoint string   `yaml:"endpoint"`
	Stores   []string `yaml:"stores"` // empty applies to every store
}

type fileSchema struct {
	Stores map[string]fileStoreConfig `yaml:"stores"`
}

// FileSource loads store configurations from a YAML file and hot-reloads
// on filesystem changes.
type FileSource struct {
	path   string
	logger logging.Logger

	mu      sync.RWMutex
	configs map[string]snapshot.StoreConfig

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewFileSource parses the file and starts watching its directory for
// changes. Close releases the watcher.
func NewFileSource(path string, logger logging.Logger) (*FileSource, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	source := &FileSource{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := source.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save
	// and a direct watch would go dark after the first rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	source.watcher = watcher
	go source.watch()
	return source, nil
}

// Load implements Source.
func (f *FileSource) Load(_ context.Context, storeID string) (snapshot.StoreConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, ok := f.configs[storeID]
	if !ok {
		return snapshot.StoreConfig{}, snapshot.ConfigurationMissingError{StoreID: storeID}
	}
	return cfg, nil
}

// Close stops the watcher.
func (f *FileSource) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

func (f *FileSource) watch() {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(internalconfig.FileSourceDebounce, func() {
			if err := f.reload(); err != nil {
				f.logger.Warn(fmt.Sprintf("config reload failed: %v", err), "ConfigSource")
				return
			}
			f.logger.Info(fmt.Sprintf("config reloaded from %s", f.path), "ConfigSource")
		})
	}

	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			scheduleReload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn(fmt.Sprintf("config watcher error: %v", err), "ConfigSource")
		}
	}
}

func (f *FileSource) reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var schema fileSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}

	configs := make(map[string]snapshot.StoreConfig, len(schema.Stores))
	for storeID, fileCfg := range schema.Stores {
		cfg, err := fileCfg.toStoreConfig()
		if err != nil {
			return fmt.Errorf("store %s: %w", storeID, err)
		}
		configs[storeID] = cfg
	}

	f.mu.Lock()
	f.configs = configs
	f.mu.Unlock()
	return nil
}

func (c fileStoreConfig) toStoreConfig() (snapshot.StoreConfig, error) {
	cfg := snapshot.StoreConfig{
		CacheKey:     c.CacheKey,
		BaseEndpoint: c.BaseEndpoint,
		RetryCount:   c.RetryCount,
		Enabled:      true,
	}
	if c.Enabled != nil {
		cfg.Enabled = *c.Enabled
	}

	var err error
	if cfg.MaxAge, err = parseDuration(c.MaxAge, internalconfig.DefaultMaxAge); err != nil {
		return snapshot.StoreConfig{}, fmt.Errorf("maxAge: %w", err)
	}
	if cfg.StaleWhileRevalidate, err = parseDuration(c.StaleWhileRevalidate, internalconfig.DefaultStaleWhileRevalidate); err != nil {
		return snapshot.StoreConfig{}, fmt.Errorf("staleWhileRevalidate: %w", err)
	}
	if cfg.RetryDelay, err = parseDuration(c.RetryDelay, internalconfig.DefaultRetryDelay); err != nil {
		return snapshot.StoreConfig{}, fmt.Errorf("retryDelay: %w", err)
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = internalconfig.DefaultRetryCount
	}

	for _, spec := range c.Delegates {
		cfg.DelegateChain = append(cfg.DelegateChain, snapshot.Delegate{
			Name:     spec.Name,
			Endpoint: spec.Endpoint,
			Match:    matchStores(spec.Stores),
		})
	}
	return cfg, cfg.Validate()
}

func matchStores(stores []string) func(string) bool {
	if len(stores) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(stores))
	for _, store := range stores {
		allowed[store] = struct{}{}
	}
	return func(storeID string) bool {
		_, ok := allowed[storeID]
		return ok
	}
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
