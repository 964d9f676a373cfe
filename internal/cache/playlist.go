// Package cache provides the three bounded in-memory stores behind the proxy
// endpoints: a short-TTL playlist cache, a byte-budgeted segment cache and a
// small LRU for AES-128 keys. All stores are safe for concurrent use and hold
// no state outside process memory.
package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// PlaylistEntry is a rewritten playlist body ready to serve.
type PlaylistEntry struct {
	Body        []byte
	ContentType string
}

// PlaylistCache holds rewritten playlists for a short TTL. Live HLS playlists
// go stale within a few target durations, so entries are never served past
// their TTL and a hit does not extend an entry's life.
type PlaylistCache struct {
	cache *ttlcache.Cache[string, PlaylistEntry]
}

// NewPlaylistCache builds a playlist cache with the given TTL and entry cap.
// The expiry janitor runs until Stop is called.
func NewPlaylistCache(ttl time.Duration, maxEntries int) *PlaylistCache {
	c := ttlcache.New[string, PlaylistEntry](
		ttlcache.WithTTL[string, PlaylistEntry](ttl),
		ttlcache.WithCapacity[string, PlaylistEntry](uint64(maxEntries)),
		ttlcache.WithDisableTouchOnHit[string, PlaylistEntry](),
	)
	go c.Start()
	return &PlaylistCache{cache: c}
}

// PlaylistKey derives the cache key for a playlist URL rewritten against a
// server base and fetched with a given forwarded-header fingerprint. The base
// participates because the cached body embeds absolute rewritten URLs; when
// the base derives from the request Host, clients arriving under different
// Hosts must not share an entry.
func PlaylistKey(base, url, fingerprint string) string {
	return base + "\x00" + url + "\x00" + fingerprint
}

// Get returns a fresh entry, or ok=false on miss or expiry.
func (c *PlaylistCache) Get(key string) (PlaylistEntry, bool) {
	item := c.cache.Get(key)
	if item == nil {
		return PlaylistEntry{}, false
	}
	return item.Value(), true
}

// Set stores an entry under the default TTL, replacing any previous value.
func (c *PlaylistCache) Set(key string, entry PlaylistEntry) {
	c.cache.Set(key, entry, ttlcache.DefaultTTL)
}

// RemoveExpired drops entries past their TTL ahead of the janitor.
func (c *PlaylistCache) RemoveExpired() {
	c.cache.DeleteExpired()
}

// Clear drops every entry.
func (c *PlaylistCache) Clear() {
	c.cache.DeleteAll()
}

// Len returns the current entry count.
func (c *PlaylistCache) Len() int {
	return c.cache.Len()
}

// Stop shuts down the expiry janitor.
func (c *PlaylistCache) Stop() {
	c.cache.Stop()
}

// Stats reports the tier's current size and cumulative hit counters.
func (c *PlaylistCache) Stats() TierStats {
	var bytes int64
	for _, item := range c.cache.Items() {
		bytes += int64(len(item.Value().Body))
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
