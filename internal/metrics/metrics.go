// Package metrics defines the prometheus collectors exposed on /metrics.
// Collectors are registered at init through promauto; the rest of the code
// records through the helper functions rather than touching vectors directly.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_requests_total",
		Help: "HTTP requests by endpoint and status code",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlsgate_request_duration_seconds",
		Help:    "Wall time per request by endpoint",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_cache_lookups_total",
		Help: "Cache lookups by tier and result",
	}, []string{"tier", "result"}) // tier=playlist|segment|key, result=hit|miss|stale

	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hlsgate_cache_entries",
		Help: "Entries per cache tier (last sweep)",
	}, []string{"tier"})

	cacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hlsgate_cache_bytes",
		Help: "Payload bytes per cache tier (last sweep)",
	}, []string{"tier"})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_upstream_requests_total",
		Help: "Upstream fetch attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	upstreamRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsgate_upstream_retries_total",
		Help: "Upstream fetch attempts beyond the first",
	})

	streamedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsgate_streamed_bytes_total",
		Help: "Segment payload bytes written to clients",
	})

	prefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_prefetch_total",
		Help: "Background segment prefetches by result",
	}, []string{"result"}) // result=fetched|abandoned

	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_resolver_resolutions_total",
		Help: "Stream resolutions by outcome",
	}, []string{"outcome"}) // outcome=playlist|handshake|fallback

	landingRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_landing_refresh_total",
		Help: "Landing domain descriptor refreshes by outcome",
	}, []string{"outcome"}) // outcome=success|failure
)

// ObserveRequest records one served HTTP request.
func ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// IncCacheLookup records a cache lookup outcome for one tier.
func IncCacheLookup(tier, result string) {
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// SetCacheSize publishes a tier's current entry count and payload size.
func SetCacheSize(tier string, entries int, bytes int64) {
	cacheEntries.WithLabelValues(tier).Set(float64(entries))
	cacheBytes.WithLabelValues(tier).Set(float64(bytes))
}

// IncUpstreamRequest records a completed upstream fetch.
func IncUpstreamRequest(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	upstreamRequestsTotal.WithLabelValues(outcome).Inc()
}

// IncUpstreamRetry records one retry of an upstream fetch.
func IncUpstreamRetry() {
	upstreamRetriesTotal.Inc()
}

// AddStreamedBytes accumulates segment bytes delivered to clients.
func AddStreamedBytes(n int64) {
	if n > 0 {
		streamedBytesTotal.Add(float64(n))
	}
}

// IncPrefetch records the result of one background segment prefetch.
func IncPrefetch(result string) {
	prefetchTotal.WithLabelValues(result).Inc()
}

// IncResolution records how a stream reference was resolved.
func IncResolution(outcome string) {
	resolutionsTotal.WithLabelValues(outcome).Inc()
}

// IncLandingRefresh records a landing descriptor refresh attempt.
func IncLandingRefresh(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	landingRefreshTotal.WithLabelValues(outcome).Inc()
}
