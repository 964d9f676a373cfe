package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/hlsgate/hlsgate/internal/cache"
	"github.com/hlsgate/hlsgate/internal/headerparams"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
	"github.com/hlsgate/hlsgate/internal/playlist"
	"github.com/hlsgate/hlsgate/internal/prefetch"
	"github.com/hlsgate/hlsgate/internal/resolver"
	"github.com/hlsgate/hlsgate/internal/upstream"
)

// Body size caps for buffered fetches. Segments stream and are bounded by
// the cache's per-item cap instead.
const (
	maxPlaylistBytes = 16 << 20
	maxListBytes     = 64 << 20
	maxKeyBytes      = 64 << 10
)

// streamCopyBuffer is the chunk size of the segment streaming loop; every
// chunk is flushed so players see bytes as they arrive from the origin.
const streamCopyBuffer = 64 << 10

// ProxyHandler serves the four proxy endpoints. All of them are raw chi
// handlers: playlist bodies must be emitted byte-exact and segments must
// stream, neither of which survives a serialisation layer.
type ProxyHandler struct {
	client      *upstream.Client
	resolver    *resolver.Resolver
	caches      *cache.Manager
	prefetcher  *prefetch.Prefetcher
	baseURL     string
	bypassHosts []string
	maxItem     int64
	logger      *slog.Logger
}

// NewProxyHandler wires the proxy endpoints. baseURL is the configured
// public base for rewritten URLs; empty derives it per request from the
// Host header.
func NewProxyHandler(client *upstream.Client, res *resolver.Resolver, caches *cache.Manager,
	pre *prefetch.Prefetcher, baseURL string, bypassHosts []string, maxItem int64, logger *slog.Logger) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{
		client:      client,
		resolver:    res,
		caches:      caches,
		prefetcher:  pre,
		baseURL:     baseURL,
		bypassHosts: bypassHosts,
		maxItem:     maxItem,
		logger:      observability.WithComponent(logger, "proxy"),
	}
}

// RegisterChiRoutes mounts the proxy endpoints on the router.
func (h *ProxyHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/proxy", h.handleIngest)
	router.Get("/proxy/m3u", h.handlePlaylist)
	router.Get("/proxy/ts", h.handleSegment)
	router.Get("/proxy/key", h.handleKey)
}

// serverBase returns the absolute URL prefix for rewritten playlist URLs.
func (h *ProxyHandler) serverBase(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	return "http://" + r.Host
}

// targetParams pulls the target URL and the forwarded header set out of a
// request: the url parameter is cleaned of quoting artefacts and split off
// its embedded ingest-generated header tail, then plain h_* query
// parameters are layered on top.
func targetParams(r *http.Request) (string, headerparams.Params) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		return "", nil
	}
	cleaned, embedded := headerparams.ExtractEmbedded(resolver.Clean(raw))
	return cleaned, embedded.Merge(headerparams.DecodeRequest(r))
}

// handlePlaylist serves GET /proxy/m3u: resolve the target to a concrete
// playlist, rewrite it, cache it, respond.
func (h *ProxyHandler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { metrics.ObserveRequest("proxy_m3u", status, time.Since(start)) }()

	target, fwd := targetParams(r)
	if target == "" {
		status = http.StatusBadRequest
		writeError(w, status, "url parameter is required")
		return
	}

	if u, err := url.Parse(target); err == nil && u.Host != "" {
		if cerr := h.client.Policy().Check(u); cerr != nil {
			status = http.StatusForbidden
			writeError(w, status, cerr.Error())
			return
		}
	}

	base := h.serverBase(r)
	key := cache.PlaylistKey(base, target, fwd.Fingerprint())
	if entry, ok := h.caches.Playlist.Get(key); ok {
		metrics.IncCacheLookup("playlist", "hit")
		w.Header().Set("Content-Type", entry.ContentType)
		w.Write(entry.Body)
		return
	}
	metrics.IncCacheLookup("playlist", "miss")

	resolved := h.resolver.Resolve(r.Context(), target, fwd)
	body, resp, err := h.client.FetchBuffered(r.Context(), resolved.URL, resolved.Headers, maxPlaylistBytes)
	if err != nil {
		var msg string
		status, msg = upstreamError(err)
		h.logger.Warn("playlist fetch failed",
			slog.String("request_id", observability.RequestIDFromContext(r.Context())),
			slog.String("url", resolved.URL),
			slog.Any("error", err))
		writeError(w, status, msg)
		return
	}

	if !playlist.IsPlaylist(body) {
		status = http.StatusInternalServerError
		writeError(w, status, "stream resolution failed: upstream did not return a playlist")
		return
	}

	entry := cache.PlaylistEntry{}
	if playlist.Detect(body) == playlist.KindMedia {
		rewritten, segments := playlist.RewriteMedia(body, playlist.MediaOptions{
			ServerBase:  base,
			PlaylistURL: resp.FinalURL,
			Params:      fwd,
		})
		entry.Body = rewritten
		entry.ContentType = playlist.ContentTypeMedia
		h.prefetcher.Observe(key, segments)
	} else {
		// The caller handed us their channel list; it goes back untouched.
		entry.Body = body
		entry.ContentType = playlist.ContentTypePlain
	}

	h.caches.Playlist.Set(key, entry)
	w.Header().Set("Content-Type", entry.ContentType)
	w.Write(entry.Body)
}

// handleSegment serves GET /proxy/ts: cache hit or a streamed upstream
// fetch that tees into the segment cache while it stays under the per-item
// cap.
func (h *ProxyHandler) handleSegment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { metrics.ObserveRequest("proxy_ts", status, time.Since(start)) }()

	target, fwd := targetParams(r)
	if target == "" {
		status = http.StatusBadRequest
		writeError(w, status, "url parameter is required")
		return
	}

	if body, ctype, ok := h.caches.Segment.Get(target); ok {
		metrics.IncCacheLookup("segment", "hit")
		h.writeSegment(w, body, ctype)
		h.prefetcher.Served(r.Context(), target, fwd)
		return
	}
	metrics.IncCacheLookup("segment", "miss")

	resp, err := h.client.Fetch(r.Context(), target, fwd)
	if err != nil {
		// A concurrent fetch or prefetch may have filled the cache while
		// this one was failing.
		if body, ctype, ok := h.caches.Segment.Get(target); ok {
			metrics.IncCacheLookup("segment", "stale")
			h.writeSegment(w, body, ctype)
			return
		}
		if se, ok := upstream.IsStatus(err); ok {
			status = http.StatusInternalServerError
			h.logger.Warn("segment fetch rejected",
				slog.String("request_id", observability.RequestIDFromContext(r.Context())),
				slog.Int("upstream_status", se.StatusCode))
			writeError(w, status, fmt.Sprintf("upstream returned status %d", se.StatusCode))
			return
		}
		status = http.StatusServiceUnavailable
		writeError(w, status, "segment fetch failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	ctype := resp.Header.Get("Content-Type")
	if ctype == "" {
		ctype = contentTypeSegment
	}
	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(http.StatusOK)

	if h.streamAndCache(w, resp.Body, target, ctype) {
		h.prefetcher.Served(r.Context(), target, fwd)
	}
}

// streamAndCache forwards the body chunk by chunk, flushing after every
// write, and accumulates a copy for the cache while it stays at or under
// the per-item cap. A body past the cap streams on with caching abandoned;
// a write failure (client gone) or a mid-stream read error discards the
// buffer uncached. Returns whether the stream completed cleanly.
func (h *ProxyHandler) streamAndCache(w http.ResponseWriter, body io.Reader, target, ctype string) bool {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamCopyBuffer)

	var pending bytes.Buffer
	caching := true
	var written int64

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				metrics.AddStreamedBytes(written)
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
			written += int64(n)

			if caching {
				if int64(pending.Len()+n) > h.maxItem {
					caching = false
					pending.Reset()
				} else {
					pending.Write(buf[:n])
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Partial bodies are never cached.
			h.logger.Debug("segment stream interrupted",
				slog.String("url", target),
				slog.Any("error", rerr))
			metrics.AddStreamedBytes(written)
			return false
		}
	}

	metrics.AddStreamedBytes(written)
	if caching && pending.Len() > 0 {
		h.caches.Segment.Set(target, pending.Bytes(), ctype)
	}
	return true
}

func (h *ProxyHandler) writeSegment(w http.ResponseWriter, body []byte, ctype string) {
	if ctype == "" {
		ctype = contentTypeSegment
	}
	w.Header().Set("Content-Type", ctype)
	w.Write(body)
	metrics.AddStreamedBytes(int64(len(body)))
}

// handleKey serves GET /proxy/key: a small buffered fetch for AES-128
// decryption keys, cached without expiry.
func (h *ProxyHandler) handleKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { metrics.ObserveRequest("proxy_key", status, time.Since(start)) }()

	target, fwd := targetParams(r)
	if target == "" {
		status = http.StatusBadRequest
		writeError(w, status, "url parameter is required")
		return
	}

	if body, ok := h.caches.Key.Get(target); ok {
		metrics.IncCacheLookup("key", "hit")
		w.Header().Set("Content-Type", contentTypeKey)
		w.Write(body)
		return
	}
	metrics.IncCacheLookup("key", "miss")

	body, _, err := h.client.FetchBuffered(r.Context(), target, fwd, maxKeyBytes)
	if err != nil {
		var msg string
		status, msg = upstreamError(err)
		h.logger.Warn("key fetch failed",
			slog.String("request_id", observability.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
		writeError(w, status, msg)
		return
	}

	h.caches.Key.Set(target, body)
	w.Header().Set("Content-Type", contentTypeKey)
	w.Write(body)
}

// handleIngest serves GET /proxy: fetch a published channel list, sniff and
// undo its compression, and rewrite every entry to route through
// /proxy/m3u with its directive headers attached.
func (h *ProxyHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { metrics.ObserveRequest("proxy", status, time.Since(start)) }()

	raw := r.URL.Query().Get("url")
	if raw == "" {
		status = http.StatusBadRequest
		writeError(w, status, "url parameter is required")
		return
	}

	body, _, err := h.client.FetchBuffered(r.Context(), resolver.Clean(raw), nil, maxListBytes)
	if err != nil {
		var msg string
		status, msg = upstreamError(err)
		h.logger.Warn("list fetch failed",
			slog.String("request_id", observability.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
		writeError(w, status, msg)
		return
	}

	reader, err := playlist.Decompress(bytes.NewReader(body))
	if err == nil {
		if plain, rerr := io.ReadAll(io.LimitReader(reader, maxListBytes)); rerr == nil {
			body = plain
		}
	}

	rewritten := playlist.RewriteIngest(body, playlist.IngestOptions{
		ServerBase:  h.serverBase(r),
		BypassHosts: h.bypassHosts,
	})
	w.Header().Set("Content-Type", playlist.ContentTypeMedia)
	w.Write(rewritten)
}

// proxyDocsInput documents the query surface the raw handlers accept.
type proxyDocsInput struct {
	URL string `query:"url" doc:"Upstream URL, percent-encoded. Additional h_<Header-Name> parameters forward HTTP headers to the upstream fetch."`
}

// proxyDocsHandler never runs; the raw chi routes are mounted over these
// paths. It exists so the endpoints appear in the OpenAPI document.
func proxyDocsHandler(ctx context.Context, input *proxyDocsInput) (*huma.StreamResponse, error) {
	return nil, huma.Error500InternalServerError("this endpoint is handled by raw chi handlers", nil)
}

// Register adds documentation-only operations for the raw endpoints. The
// handlers themselves are mounted by RegisterChiRoutes: playlist rewriting
// needs byte-exact bodies and segment delivery needs pre-stream headers
// plus per-chunk flushing, neither of which huma's StreamResponse allows
// once it has committed a 200.
func (h *ProxyHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ingestList",
		Method:      http.MethodGet,
		Path:        "/proxy",
		Summary:     "Rewrite a published channel list",
		Description: "Fetches an M3U channel list (transparently decompressing gzip, bzip2 or xz) and rewrites every entry to route through /proxy/m3u. #EXTHTTP and #EXTVLCOPT directives attach to the following entry as forwarded header parameters.",
		Tags:        []string{"Proxy"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Rewritten channel list", Headers: map[string]*huma.Param{
				"Content-Type": {Description: playlist.ContentTypeMedia},
			}},
			"400": {Description: "Missing url parameter"},
			"500": {Description: "Upstream returned a non-2xx status"},
			"502": {Description: "Upstream unreachable after retries"},
		},
		SkipValidateBody: true,
	}, proxyDocsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "proxyPlaylist",
		Method:      http.MethodGet,
		Path:        "/proxy/m3u",
		Summary:     "Resolve and rewrite a media playlist",
		Description: "Resolves the target (landing pages, channel ids, direct playlists) to a concrete M3U8 and rewrites segment URLs to /proxy/ts and AES key URIs to /proxy/key, carrying the forwarded header set onto every rewritten URL.",
		Tags:        []string{"Proxy"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Rewritten media playlist", Headers: map[string]*huma.Param{
				"Content-Type": {Description: playlist.ContentTypeMedia},
			}},
			"400": {Description: "Missing url parameter"},
			"403": {Description: "Target host outside the allowed-domains list"},
			"500": {Description: "Upstream error or stream resolution failure"},
			"502": {Description: "Upstream unreachable after retries"},
		},
		SkipValidateBody: true,
	}, proxyDocsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "proxySegment",
		Method:      http.MethodGet,
		Path:        "/proxy/ts",
		Summary:     "Stream a media segment",
		Description: "Streams the segment from the origin, serving from the in-memory cache when possible and caching bodies up to the per-item cap on the way through.",
		Tags:        []string{"Proxy"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Segment bytes, streamed", Headers: map[string]*huma.Param{
				"Content-Type": {Description: contentTypeSegment},
			}},
			"400": {Description: "Missing url parameter"},
			"500": {Description: "Upstream returned a non-2xx status"},
			"503": {Description: "Segment fetch failed and no cached copy was available"},
		},
		SkipValidateBody: true,
	}, proxyDocsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "proxyKey",
		Method:      http.MethodGet,
		Path:        "/proxy/key",
		Summary:     "Fetch an AES-128 decryption key",
		Tags:        []string{"Proxy"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Key bytes", Headers: map[string]*huma.Param{
				"Content-Type": {Description: contentTypeKey},
			}},
			"400": {Description: "Missing url parameter"},
			"500": {Description: "Upstream returned a non-2xx status"},
			"502": {Description: "Upstream unreachable after retries"},
		},
		SkipValidateBody: true,
	}, proxyDocsHandler)
}
