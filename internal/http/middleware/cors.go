package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// corsMaxAge is how long browsers may cache preflight answers, in seconds.
const corsMaxAge = 86400

var (
	corsAllowedMethods = strings.Join([]string{
		http.MethodGet, http.MethodHead, http.MethodOptions,
	}, ", ")
	corsAllowedHeaders = strings.Join([]string{
		"Accept", "Content-Type", "Range", RequestIDHeader,
	}, ", ")
	corsExposedHeaders = strings.Join([]string{
		"Content-Length", "Content-Range", RequestIDHeader,
	}, ", ")
)

// CORS answers cross-origin requests for the proxy surface. Web players
// fetch playlists and segments from scripted contexts, so the default is
// wide open; a configured origin list narrows it.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	wildcard := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if wildcard {
					w.Header().Set("Access-Control-Allow-Origin", "*")
					w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
				} else if originAllowed(allowedOrigins, origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
