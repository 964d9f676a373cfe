package cache

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCache_GetSet(t *testing.T) {
	c := NewSegmentCache(10, 1024, 512)

	body := []byte("segment-bytes")
	require.True(t, c.Set("https://u.example/seg1.ts", body, "video/mp2t"))

	got, ct, ok := c.Get("https://u.example/seg1.ts")
	require.True(t, ok)
	assert.Equal(t, body, got)
	assert.Equal(t, "video/mp2t", ct)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(len(body)), c.Bytes())

	_, _, ok = c.Get("https://u.example/missing.ts")
	assert.False(t, ok)
}

func TestSegmentCache_RejectsOversizeBody(t *testing.T) {
	c := NewSegmentCache(10, 1024, 16)

	admitted := c.Set("big", make([]byte, 17), "video/mp2t")
	assert.False(t, admitted)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())

	// At the cap is still admitted.
	assert.True(t, c.Set("fits", make([]byte, 16), "video/mp2t"))
	assert.Equal(t, int64(16), c.Bytes())
}

func TestSegmentCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewSegmentCache(3, 1024, 512)

	require.True(t, c.Set("a", []byte("aa"), ""))
	require.True(t, c.Set("b", []byte("bb"), ""))
	require.True(t, c.Set("c", []byte("cc"), ""))

	// Touch "a" so "b" becomes the eviction candidate.
	_, _, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Set("d", []byte("dd"), ""))

	_, _, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be gone")
	for _, key := range []string{"a", "c", "d"} {
		_, _, ok := c.Get(key)
		assert.True(t, ok, "entry %q should survive", key)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestSegmentCache_EvictsOnByteBudget(t *testing.T) {
	c := NewSegmentCache(100, 10, 10)

	require.True(t, c.Set("a", make([]byte, 4), ""))
	require.True(t, c.Set("b", make([]byte, 4), ""))
	// 4+4+4 > 10: "a" has to go.
	require.True(t, c.Set("c", make([]byte, 4), ""))

	assert.Equal(t, int64(8), c.Bytes())
	_, _, ok := c.Get("a")
	assert.False(t, ok)
}

func TestSegmentCache_ReplaceAdjustsBytes(t *testing.T) {
	c := NewSegmentCache(10, 1024, 512)

	require.True(t, c.Set("k", make([]byte, 100), "video/mp2t"))
	require.True(t, c.Set("k", make([]byte, 10), "video/mp2t"))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(10), c.Bytes())

	got, _, ok := c.Get("k")
	require.True(t, ok)
	assert.Len(t, got, 10, "last writer wins")
}

func TestSegmentCache_Clear(t *testing.T) {
	c := NewSegmentCache(10, 1024, 512)
	require.True(t, c.Set("a", []byte("aaa"), ""))
	require.True(t, c.Set("b", []byte("bbb"), ""))

	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
	_, _, ok := c.Get("a")
	assert.False(t, ok)
}

// The byte budget must hold after every single put, whatever the mix of
// inserts, replacements and oversize rejects.
func TestSegmentCache_BudgetInvariantUnderChurn(t *testing.T) {
	const (
		maxItems = 8
		maxTotal = 4096
		maxItem  = 1024
	)
	c := NewSegmentCache(maxItems, maxTotal, maxItem)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("seg-%d", rng.Intn(20))
		size := rng.Intn(maxItem + maxItem/2) // some past the item cap
		admitted := c.Set(key, make([]byte, size), "video/mp2t")

		assert.Equal(t, size <= maxItem, admitted, "admission must follow the item cap")
		require.LessOrEqual(t, c.Bytes(), int64(maxTotal), "byte budget exceeded after put %d", i)
		require.LessOrEqual(t, c.Len(), maxItems, "item cap exceeded after put %d", i)
	}
}

func TestSegmentCache_StatsCounters(t *testing.T) {
	c := NewSegmentCache(10, 1024, 512)
	require.True(t, c.Set("a", []byte("aa"), ""))

	c.Get("a")
	c.Get("a")
	c.Get("nope")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(2), s.Bytes)
}
