// Package cache provides the short-lived key/value cache behind the token
// verifier and the rate limiter. Entries expire; consistency is best-effort.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Cache interface {
	// GetJSON unmarshals the cached entry into target. Returns false when
	// the key is absent or expired.
	GetJSON(ctx context.Context, key string, target any) (bool, error)
	// SetJSON stores value as JSON for ttl. Non-positive ttl defaults to
	// one minute.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Ping(ctx context.Context) error
}

const defaultTTL = time.Minute

// MemoryCache is the in-process fallback used when Redis is not configured,
// and by tests that do not exercise the Redis path.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// NewMemoryCacheAt pins the clock, letting tests advance time explicitly.
func NewMemoryCacheAt(now func() time.Time) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: now}
}

func (c *MemoryCache) GetJSON(ctx context.Context, key string, target any) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, target); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{payload: payload, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error { return nil }
