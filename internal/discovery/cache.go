// Package discovery implements the client-side service discovery flow:
// cache lookup, liveness probe, registry query, and invalidate-and-retry.
package discovery

import (
	"time"

	"github.com/maypok86/otter"
)

// Endpoint is a resolved network coordinate for a service instance.
type Endpoint struct {
	ServiceName string
	InstanceID  string
	IP          string
	Port        int
}

// cacheEntry pairs an endpoint with its expiry. Expired entries are removed
// on access; there is no background reaper and no negative caching.
type cacheEntry struct {
	endpoint  Endpoint
	expiresAt time.Time
}

// Cache is the in-process discovery cache, bounded by entry count with
// per-entry TTL. A TTL of zero disables caching entirely.
type Cache struct {
	cache otter.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

const defaultCacheCapacity = 512

// NewCache creates a discovery cache. ttl <= 0 means "do not cache": every
// Get misses and Put is a no-op.
func NewCache(ttl time.Duration) *Cache {
	cache, err := otter.MustBuilder[string, cacheEntry](defaultCacheCapacity).
		Cost(func(_ string, _ cacheEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("discovery: failed to create cache: " + err.Error())
	}
	return &Cache{cache: cache, ttl: ttl, now: time.Now}
}

// Get returns the cached endpoint for a name, dropping it when expired.
func (c *Cache) Get(name string) (Endpoint, bool) {
	if c.ttl <= 0 {
		return Endpoint{}, false
	}
	entry, ok := c.cache.Get(name)
	if !ok {
		return Endpoint{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.cache.Delete(name)
		return Endpoint{}, false
	}
	return entry.endpoint, true
}

// Put stores an endpoint under its service name.
func (c *Cache) Put(name string, ep Endpoint) {
	if c.ttl <= 0 {
		return
	}
	c.cache.Set(name, cacheEntry{endpoint: ep, expiresAt: c.now().Add(c.ttl)})
}

// Invalidate drops the entry for a name.
func (c *Cache) Invalidate(name string) {
	c.cache.Delete(name)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.cache.Clear()
}

// Close releases cache resources.
func (c *Cache) Close() {
	c.cache.Close()
}
