package cache

import (
	"container/list"
	"sync"
	"time"
)

// SegmentCache is an LRU store for transport-stream segments with a global
// byte budget on top of the usual item cap. Accounting is synchronous: when
// Set returns, total bytes ≤ maxTotal and the entry count ≤ maxItems hold.
// Bodies larger than maxItem are never admitted; the caller streams them
// through uncached.
type SegmentCache struct {
	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	maxItems int
	maxTotal int64
	maxItem  int64

	totalBytes int64
	hits       uint64
	misses     uint64
	evictions  uint64
}

type segmentEntry struct {
	key         string
	body        []byte
	contentType string
	storedAt    time.Time
}

// NewSegmentCache builds a segment cache bounded to maxItems entries and
// maxTotal bytes overall, admitting only bodies of at most maxItem bytes.
func NewSegmentCache(maxItems int, maxTotal, maxItem int64) *SegmentCache {
	return &SegmentCache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		maxItems: maxItems,
		maxTotal: maxTotal,
		maxItem:  maxItem,
	}
}

// Get returns the cached body and content type for a segment URL. The
// returned slice is shared with the store and must not be modified.
func (c *SegmentCache) Get(url string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[url]
	if !ok {
		c.misses++
		return nil, "", false
	}
	c.hits++
	c.ll.MoveToFront(el)
	entry := el.Value.(*segmentEntry)
	return entry.body, entry.contentType, true
}

// Peek reports whether a segment is cached, without touching recency or
// the hit counters. Used by the prefetcher to skip warm URLs.
func (c *SegmentCache) Peek(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[url]
	return ok
}

// Set stores a segment body, evicting from the LRU tail until both bounds
// hold. Oversize bodies are rejected and the store left untouched; the
// return value reports whether the body was admitted. Setting an existing
// key replaces it, so racing writers leave the last body in place.
func (c *SegmentCache) Set(url string, body []byte, contentType string) bool {
	size := int64(len(body))
	if size > c.maxItem {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[url]; ok {
		entry := el.Value.(*segmentEntry)
		c.totalBytes -= int64(len(entry.body))
		entry.body = body
		entry.contentType = contentType
		entry.storedAt = time.Now()
		c.totalBytes += size
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&segmentEntry{
			key:         url,
			body:        body,
			contentType: contentType,
			storedAt:    time.Now(),
		})
		c.items[url] = el
		c.totalBytes += size
	}

	for c.totalBytes > c.maxTotal || c.ll.Len() > c.maxItems {
		c.evictOldest()
	}
	return true
}

// evictOldest removes the LRU tail entry. Caller holds c.mu.
func (c *SegmentCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*segmentEntry)
	c.ll.Remove(el)
	delete(c.items, entry.key)
	c.totalBytes -= int64(len(entry.body))
	c.evictions++
}

// Clear drops every entry.
func (c *SegmentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.totalBytes = 0
}

// Len returns the current entry count.
func (c *SegmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the current total payload size.
func (c *SegmentCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Stats reports the tier's current size and cumulative hit counters.
func (c *SegmentCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TierStats{
		Entries:   c.ll.Len(),
		Bytes:     c.totalBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
