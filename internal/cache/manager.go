package cache

import (
	"log/slog"
	"runtime/debug"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
)

// TierStats describes one store's current size and cumulative counters.
type TierStats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats aggregates all three tiers for the stats endpoint.
type Stats struct {
	Playlist   TierStats `json:"playlist"`
	Segment    TierStats `json:"segment"`
	Key        TierStats `json:"key"`
	TotalBytes int64     `json:"total_bytes"`
}

// Manager owns the three cache tiers and the operations that span them.
type Manager struct {
	Playlist *PlaylistCache
	Segment  *SegmentCache
	Key      *KeyCache

	log *slog.Logger
}

// NewManager builds all tiers from validated configuration. The key tier is
// sized to half the segment item cap, with a floor of one entry.
func NewManager(cfg config.CacheConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	keyItems := cfg.SegmentMaxItems / 2
	if keyItems < 1 {
		keyItems = 1
	}
	return &Manager{
		Playlist: NewPlaylistCache(cfg.PlaylistTTL.Duration(), cfg.PlaylistMaxEntries),
		Segment:  NewSegmentCache(cfg.SegmentMaxItems, cfg.SegmentMaxTotal.Int64(), cfg.SegmentMaxItem.Int64()),
		Key:      NewKeyCache(keyItems),
		log:      observability.WithComponent(logger, "cache"),
	}
}

// Stats snapshots every tier.
func (m *Manager) Stats() Stats {
	s := Stats{
		Playlist: m.Playlist.Stats(),
		Segment:  m.Segment.Stats(),
		Key:      m.Key.Stats(),
	}
	s.TotalBytes = s.Playlist.Bytes + s.Segment.Bytes + s.Key.Bytes
	return s
}

// Clear empties every tier and returns freed memory to the OS.
func (m *Manager) Clear() {
	playlists := m.Playlist.Len()
	segments := m.Segment.Len()
	keys := m.Key.Len()

	m.Playlist.Clear()
	m.Segment.Clear()
	m.Key.Clear()
	debug.FreeOSMemory()
	m.publishSizes()

	m.log.Info("caches cleared",
		slog.Int("playlists", playlists),
		slog.Int("segments", segments),
		slog.Int("keys", keys))
}

// Sweep drops expired playlist entries and nudges the runtime to return
// freed pages. Wired to the scheduler at the configured sweep interval.
func (m *Manager) Sweep() {
	before := m.Playlist.Len()
	m.Playlist.RemoveExpired()
	debug.FreeOSMemory()
	m.publishSizes()

	if dropped := before - m.Playlist.Len(); dropped > 0 {
		m.log.Debug("cache sweep", slog.Int("expired_playlists", dropped))
	}
}

// publishSizes pushes current tier sizes to the prometheus gauges.
func (m *Manager) publishSizes() {
	s := m.Stats()
	metrics.SetCacheSize("playlist", s.Playlist.Entries, s.Playlist.Bytes)
	metrics.SetCacheSize("segment", s.Segment.Entries, s.Segment.Bytes)
	metrics.SetCacheSize("key", s.Key.Entries, s.Key.Bytes)
}

// Close stops background janitors. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.Playlist.Stop()
}
