package snapshot

import (
	"fmt"
	"time"
)

// StoreConfig is the effective operating configuration for one store.
// Resolution (configres) produces one of these per store; stores never
// read configuration from globals.
type StoreConfig struct {
	CacheKey             string        `yaml:"cacheKey" json:"cacheKey"`
	BaseEndpoint         string        `yaml:"baseEndpoint" json:"baseEndpoint"`
	MaxAge               time.Duration `yaml:"maxAge" json:"maxAge"`
	StaleWhileRevalidate time.Duration `yaml:"staleWhileRevalidate" json:"staleWhileRevalidate"`
	RetryCount           int           `yaml:"retryCount" json:"retryCount"`
	RetryDelay           time.Duration `yaml:"retryDelay" json:"retryDelay"`
	DelegateChain        []Delegate    `yaml:"delegates" json:"delegates,omitempty"`
	Enabled              bool          `yaml:"enabled" json:"enabled"`
}

// Delegate names an alternate configuration/data source consulted when the
// local store cannot serve a request. Match decides applicability; the
// chain is walked in order and the first match wins.
type Delegate struct {
	Name     string `yaml:"name" json:"name"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Match reports whether this delegate applies to the given store.
	// A nil Match applies unconditionally.
	Match func(storeID string) bool `yaml:"-" json:"-"`
}

// Applies reports whether the delegate should serve the given store.
func (d Delegate) Applies(storeID string) bool {
	if d.Match == nil {
		return true
	}
	return d.Match(storeID)
}

// Validate rejects configurations that violate the store invariants.
func (c StoreConfig) Validate() error {
	if c.MaxAge < 0 {
		return fmt.Errorf("maxAge must not be negative, got %s", c.MaxAge)
	}
	if c.StaleWhileRevalidate < 0 {
		return fmt.Errorf("staleWhileRevalidate must not be negative, got %s", c.StaleWhileRevalidate)
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("retryCount must not be negative, got %d", c.RetryCount)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retryDelay must not be negative, got %s", c.RetryDelay)
	}
	for i, delegate := range c.DelegateChain {
		if delegate.Name == "" && delegate.Endpoint == "" {
			return fmt.Errorf("delegate %d needs a name or endpoint", i)
		}
	}
	return nil
}

// Source identifies where a returned snapshot came from.
type Source string

const (
	SourceLocal     Source = "local"
	SourceDelegate  Source = "delegate"
	SourceSimulated Source = "simulated"
)
