package cache

import (
	"github.com/jellydator/ttlcache/v3"
)

// KeyCache is a small LRU for AES-128 key payloads. Keys are a few bytes and
// rotated keys arrive under new URIs, so entries carry no TTL and only
// capacity pressure evicts. Touch-on-hit keeps the store LRU ordered.
type KeyCache struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewKeyCache builds a key cache bounded to maxItems entries. No janitor is
// started: nothing in the store expires.
func NewKeyCache(maxItems int) *KeyCache {
	c := ttlcache.New[string, []byte](
		ttlcache.WithCapacity[string, []byte](uint64(maxItems)),
	)
	return &KeyCache{cache: c}
}

// Get returns the cached key bytes for a key URI.
func (c *KeyCache) Get(url string) ([]byte, bool) {
	item := c.cache.Get(url)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set stores key bytes under a key URI, replacing any previous value.
func (c *KeyCache) Set(url string, body []byte) {
	c.cache.Set(url, body, ttlcache.NoTTL)
}

// Clear drops every entry.
func (c *KeyCache) Clear() {
	c.cache.DeleteAll()
}

// Len returns the current entry count.
func (c *KeyCache) Len() int {
	return c.cache.Len()
}

// Stats reports the tier's current size and cumulative hit counters.
func (c *KeyCache) Stats() TierStats {
	var bytes int64
	for _, item := range c.cache.Items() {
		bytes += int64(len(item.Value()))
	}
	m := c.cache.Metrics()
	return TierStats{
		Entries:   c.cache.Len(),
		Bytes:     bytes,
		Hits:      m.Hits,
		Misses:    m.Misses,
		Evictions: m.Evictions,
	}
}
