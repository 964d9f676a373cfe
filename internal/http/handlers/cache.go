package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/hlsgate/hlsgate/internal/cache"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
)

// CacheHandler exposes the cache operations endpoints.
type CacheHandler struct {
	caches *cache.Manager
	logger *slog.Logger
}

// NewCacheHandler creates the cache operations handler.
func NewCacheHandler(caches *cache.Manager, logger *slog.Logger) *CacheHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheHandler{
		caches: caches,
		logger: observability.WithComponent(logger, "cache"),
	}
}

// RegisterChiRoutes mounts the cache endpoints on the router.
func (h *CacheHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/cache/stats", h.handleStats)
	router.Get("/cache/clear", h.handleClear)
}

func (h *CacheHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("cache_stats", http.StatusOK, time.Since(start)) }()

	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(h.caches.Stats()); err != nil {
		h.logger.Warn("encoding cache stats", slog.Any("error", err))
	}
}

func (h *CacheHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("cache_clear", http.StatusOK, time.Since(start)) }()

	h.caches.Clear()
	w.Header().Set("Content-Type", contentTypeText)
	fmt.Fprintln(w, "caches cleared")
}

type cacheStatsOutput struct {
	Body cache.Stats
}

type cacheClearOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// Docs-only handlers; the raw chi routes are mounted over these paths.
func (h *CacheHandler) statsDocsHandler(ctx context.Context, input *struct{}) (*cacheStatsOutput, error) {
	return &cacheStatsOutput{Body: h.caches.Stats()}, nil
}

func (h *CacheHandler) clearDocsHandler(ctx context.Context, input *struct{}) (*cacheClearOutput, error) {
	return &cacheClearOutput{ContentType: contentTypeText, Body: []byte("caches cleared\n")}, nil
}

// Register adds documentation-only operations for the cache endpoints,
// which are mounted raw so their bodies stay byte-stable for scripts.
func (h *CacheHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCacheStats",
		Method:      http.MethodGet,
		Path:        "/cache/stats",
		Summary:     "Cache statistics",
		Description: "Per-tier entry counts, hit/miss/eviction counters, and total cached bytes.",
		Tags:        []string{"Cache"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Cache statistics"},
		},
		SkipValidateBody: true,
	}, h.statsDocsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "clearCache",
		Method:      http.MethodGet,
		Path:        "/cache/clear",
		Summary:     "Clear all caches",
		Description: "Empties the playlist, segment and key stores. The next fetch of any previously cached URL goes to the origin.",
		Tags:        []string{"Cache"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Plain-text acknowledgement"},
		},
		SkipValidateBody: true,
	}, h.clearDocsHandler)
}
