// Package handlers provides the HTTP handlers behind the proxy surface: the
// four proxy endpoints, cache operations, health and status, the OpenAPI
// docs UI, and the landing page.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/hlsgate/hlsgate/internal/upstream"
)

// Content types served by the raw endpoints.
const (
	contentTypeSegment = "video/mp2t"
	contentTypeKey     = "application/octet-stream"
	contentTypeJSON    = "application/json; charset=utf-8"
	contentTypeText    = "text/plain; charset=utf-8"
)

// writeError emits a plain-text failure body. Stack traces and internal
// details never reach the client; the cause is a single human-readable line.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

// upstreamError maps a fetch error onto the response taxonomy: a non-2xx
// upstream status is a 500 with the status in the body, anything else is a
// 502 with the transport error text.
func upstreamError(err error) (int, string) {
	if se, ok := upstream.IsStatus(err); ok {
		return http.StatusInternalServerError, fmt.Sprintf("upstream returned status %d", se.StatusCode)
	}
	return http.StatusBadGateway, fmt.Sprintf("upstream unreachable: %v", err)
}
