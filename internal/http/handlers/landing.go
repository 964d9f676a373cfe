package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// LandingHandler serves the root page: a plain HTML index of the proxy
// endpoints with the running version.
type LandingHandler struct {
	version string
}

// NewLandingHandler creates the landing page handler.
func NewLandingHandler(version string) *LandingHandler {
	return &LandingHandler{version: version}
}

// RegisterChiRoutes mounts the landing page at the root path.
func (h *LandingHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/", h.ServeHTTP)
}

// ServeHTTP serves the landing page.
func (h *LandingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	fmt.Fprintf(w, `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>hlsgate</title>
    <style>
      body { font-family: ui-monospace, monospace; max-width: 44rem; margin: 3rem auto; padding: 0 1rem; color: #222; }
      code { background: #f0f0f0; padding: 0.1rem 0.3rem; border-radius: 3px; }
      li { margin: 0.4rem 0; }
      @media (prefers-color-scheme: dark) {
        body { background: #16161d; color: #e4e4e7; }
        code { background: #26262f; }
        a { color: #8ab4f8; }
      }
    </style>
  </head>
  <body>
    <h1>hlsgate</h1>
    <p>HLS proxy, version %s.</p>
    <ul>
      <li><code>GET /proxy/m3u?url=&lt;stream&gt;</code> rewritten playlist</li>
      <li><code>GET /proxy/ts?url=&lt;segment&gt;</code> media segment</li>
      <li><code>GET /proxy/key?url=&lt;key&gt;</code> AES-128 key</li>
      <li><code>GET /proxy?url=&lt;list&gt;</code> rewritten ingest list</li>
      <li><a href="/cache/stats"><code>GET /cache/stats</code></a> cache statistics</li>
      <li><a href="/api/v1/status"><code>GET /api/v1/status</code></a> service status</li>
      <li><a href="/metrics"><code>GET /metrics</code></a> prometheus metrics</li>
      <li><a href="/docs"><code>GET /docs</code></a> API documentation</li>
    </ul>
  </body>
</html>
`, h.version)
}
