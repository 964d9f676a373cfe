package middleware

import (
	"net/http"
	"strings"
)

// streamRoutePrefixes are served chunk by chunk with an explicit flush per
// write; response compression would buffer those chunks and stall playback.
// Segment and key payloads are opaque bytes that do not compress anyway.
var streamRoutePrefixes = []string{
	"/proxy/ts",
	"/proxy/key",
}

// SkipCompressionForStreams applies the given compression middleware to
// everything except the streaming proxy routes, which are passed through
// untouched.
func SkipCompressionForStreams(compression func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compression(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range streamRoutePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
