package marketdata

import (
	"sync"
	"time"
)

// Cache TTL classes for provider responses.
const (
	TTLCurrentPrice     = 15 * time.Minute
	TTLCompanyMetrics   = 24 * time.Hour
	TTLHistoricalPrices = 6 * time.Hour
	TTLFXPrices         = 30 * time.Minute
)

type cacheEntry struct {
	storedAt time.Time
	value    any
}

// TTLCache is an in-process cache keyed by provider-request fingerprint.
// It is safe for concurrent use and is not shared across processes.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached value iff it is younger than ttl.
func (c *TTLCache) Get(key string, ttl time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Set stores a value with the current timestamp.
func (c *TTLCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{storedAt: c.now(), value: value}
}

// Purge removes every entry. Used by tests and after bulk updates.
func (c *TTLCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
