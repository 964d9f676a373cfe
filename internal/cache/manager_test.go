package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/config"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		PlaylistTTL:        config.Duration(10 * time.Second),
		PlaylistMaxEntries: 16,
		SegmentMaxItems:    8,
		SegmentMaxTotal:    config.ByteSize(4096),
		SegmentMaxItem:     config.ByteSize(1024),
		SweepInterval:      config.Duration(time.Minute),
	}
}

func TestKeyCache_LRUCapacity(t *testing.T) {
	c := NewKeyCache(2)

	c.Set("key1", []byte{0x01})
	c.Set("key2", []byte{0x02})

	// Touch key1 so key2 is the LRU entry when key3 arrives.
	_, ok := c.Get("key1")
	require.True(t, ok)

	c.Set("key3", []byte{0x03})

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("key2")
	assert.False(t, ok)
	_, ok = c.Get("key1")
	assert.True(t, ok)
	_, ok = c.Get("key3")
	assert.True(t, ok)
}

func TestKeyCache_Clear(t *testing.T) {
	c := NewKeyCache(4)
	c.Set("k", []byte{0xAA, 0xBB})

	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestManager_KeyTierSizedFromSegmentItems(t *testing.T) {
	cfg := testCacheConfig()
	m := NewManager(cfg, nil)
	defer m.Close()

	// Half of SegmentMaxItems=8 is 4; the fifth insert evicts.
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		m.Key.Set(k, []byte(k))
	}
	assert.Equal(t, 4, m.Key.Len())
}

func TestManager_StatsAggregatesTiers(t *testing.T) {
	m := NewManager(testCacheConfig(), nil)
	defer m.Close()

	m.Playlist.Set("p", PlaylistEntry{Body: []byte("#EXTM3U\n")})
	require.True(t, m.Segment.Set("s", make([]byte, 100), "video/mp2t"))
	m.Key.Set("k", make([]byte, 16))

	s := m.Stats()
	assert.Equal(t, 1, s.Playlist.Entries)
	assert.Equal(t, 1, s.Segment.Entries)
	assert.Equal(t, 1, s.Key.Entries)
	assert.Equal(t, int64(8), s.Playlist.Bytes)
	assert.Equal(t, int64(100), s.Segment.Bytes)
	assert.Equal(t, int64(16), s.Key.Bytes)
	assert.Equal(t, int64(124), s.TotalBytes)
}

func TestManager_ClearZeroesTotalBytes(t *testing.T) {
	m := NewManager(testCacheConfig(), nil)
	defer m.Close()

	m.Playlist.Set("p", PlaylistEntry{Body: []byte("#EXTM3U\n")})
	require.True(t, m.Segment.Set("s", make([]byte, 100), "video/mp2t"))
	m.Key.Set("k", make([]byte, 16))
	require.NotZero(t, m.Stats().TotalBytes)

	m.Clear()

	s := m.Stats()
	assert.Equal(t, int64(0), s.TotalBytes)
	assert.Equal(t, 0, s.Playlist.Entries)
	assert.Equal(t, 0, s.Segment.Entries)
	assert.Equal(t, 0, s.Key.Entries)
}

func TestManager_SweepDropsExpiredPlaylists(t *testing.T) {
	cfg := testCacheConfig()
	cfg.PlaylistTTL = config.Duration(20 * time.Millisecond)
	m := NewManager(cfg, nil)
	defer m.Close()

	m.Playlist.Set("p", PlaylistEntry{Body: []byte("#EXTM3U\n")})
	require.True(t, m.Segment.Set("s", make([]byte, 10), "video/mp2t"))
	time.Sleep(60 * time.Millisecond)

	m.Sweep()

	assert.Equal(t, 0, m.Playlist.Len())
	assert.Equal(t, 1, m.Segment.Len(), "sweep only touches the playlist tier")
}
