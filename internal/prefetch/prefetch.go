// Package prefetch warms the segment cache with the successor of each
// segment just delivered to a client, so steady playback is served from
// memory instead of waiting on the origin per segment.
package prefetch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hlsgate/hlsgate/internal/cache"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/headerparams"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
	"github.com/hlsgate/hlsgate/internal/upstream"
)

// maxPlaylists bounds the successor index. Live playlists rotate their
// segment windows, so the oldest tracked playlist is dropped first.
const maxPlaylists = 128

// Prefetcher fetches the successor of a just-served segment into the
// segment cache. Everything about it is best-effort: an unknown
// successor, a full semaphore, a fetch error or an oversize body all end
// the attempt with a debug line and a counter tick. The triggering
// request is never delayed.
type Prefetcher struct {
	enabled bool
	client  *upstream.Client
	store   *cache.SegmentCache
	sem     *semaphore.Weighted
	maxItem int64
	log     *slog.Logger

	mu        sync.Mutex
	playlists map[string][]string // playlist cache key -> ordered segment URLs
	order     []string            // tracked playlist keys, oldest first
	next      map[string]string   // segment URL -> successor URL
	inflight  map[string]struct{}
}

// New builds a Prefetcher. maxItem mirrors the segment cache's per-item
// admission cap so oversize bodies are abandoned during the read instead
// of after it.
func New(cfg config.PrefetchConfig, maxItem int64, client *upstream.Client, store *cache.SegmentCache, logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := int64(cfg.Concurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	return &Prefetcher{
		enabled:   cfg.Enabled,
		client:    client,
		store:     store,
		sem:       semaphore.NewWeighted(concurrency),
		maxItem:   maxItem,
		log:       observability.WithComponent(logger, "prefetch"),
		playlists: make(map[string][]string),
		next:      make(map[string]string),
		inflight:  make(map[string]struct{}),
	}
}

// Observe records the ordered absolute segment URLs of a freshly
// rewritten media playlist, replacing whatever the same playlist key
// reported before.
func (p *Prefetcher) Observe(playlistKey string, segments []string) {
	if !p.enabled || playlistKey == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, tracked := p.playlists[playlistKey]; tracked {
		p.dropLocked(old)
	} else {
		p.order = append(p.order, playlistKey)
		if len(p.order) > maxPlaylists {
			oldest := p.order[0]
			p.order = p.order[1:]
			p.dropLocked(p.playlists[oldest])
			delete(p.playlists, oldest)
		}
	}

	p.playlists[playlistKey] = segments
	for i := 0; i+1 < len(segments); i++ {
		p.next[segments[i]] = segments[i+1]
	}
}

// Served notes that segURL was just delivered and, when its successor is
// known and not yet cached, fetches that successor in the background. The
// fetch is detached from the triggering request's cancellation.
func (p *Prefetcher) Served(ctx context.Context, segURL string, fwd headerparams.Params) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	successor, known := p.next[segURL]
	p.mu.Unlock()
	if !known || p.store.Peek(successor) {
		return
	}

	p.mu.Lock()
	if _, busy := p.inflight[successor]; busy {
		p.mu.Unlock()
		return
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return
	}
	p.inflight[successor] = struct{}{}
	p.mu.Unlock()

	go p.fetch(context.WithoutCancel(ctx), successor, fwd)
}

func (p *Prefetcher) fetch(ctx context.Context, segURL string, fwd headerparams.Params) {
	defer p.sem.Release(1)
	defer func() {
		p.mu.Lock()
		delete(p.inflight, segURL)
		p.mu.Unlock()
	}()

	body, resp, err := p.client.FetchBuffered(ctx, segURL, fwd, p.maxItem)
	if err != nil {
		metrics.IncPrefetch("abandoned")
		p.log.Debug("prefetch abandoned",
			slog.String("url", segURL),
			slog.Any("error", err))
		return
	}
	if !p.store.Set(segURL, body, resp.Header.Get("Content-Type")) {
		metrics.IncPrefetch("abandoned")
		return
	}
	metrics.IncPrefetch("fetched")
	p.log.Debug("segment prefetched",
		slog.String("url", segURL),
		slog.Int("bytes", len(body)))
}

// dropLocked removes a playlist's successor mappings. Caller holds p.mu.
func (p *Prefetcher) dropLocked(segments []string) {
	for _, u := range segments {
		delete(p.next, u)
	}
}
