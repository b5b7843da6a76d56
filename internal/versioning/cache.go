// Package versioning computes payload checksums so the container can
// answer conditional reads without shipping an unchanged payload.
package versioning

import (
	"crypto/md5"
	"encoding/hex"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Cache tracks the last served checksum per key.
type Cache struct {
	mu        sync.RWMutex
	checksums map[string]string
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{checksums: make(map[string]string)}
}

// Checksum hashes the JSON form of data.
func Checksum(data any) (string, error) {
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(data)
	if err != nil {
		return "", err
	}
	hash := md5.Sum(payload)
	return hex.EncodeToString(hash[:]), nil
}

// CheckAndUpdate compares the payload against the checksum the client
// already holds. It returns the current checksum and whether the client
// copy is still current.
func (c *Cache) CheckAndUpdate(key string, data any, clientChecksum string) (string, bool, error) {
	checksum, err := Checksum(data)
	if err != nil {
		return "", false, err
	}

	if clientChecksum != "" && clientChecksum == checksum {
		return checksum, true, nil
	}

	c.mu.Lock()
	c.checksums[key] = checksum
	c.mu.Unlock()

	return checksum, false, nil
}

// Last returns the checksum most recently stored for key.
func (c *Cache) Last(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	checksum, ok := c.checksums[key]
	return checksum, ok
}
