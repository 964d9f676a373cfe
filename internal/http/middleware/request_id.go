package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/hlsgate/hlsgate/internal/observability"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, honouring one supplied by the
// caller, and reflects it in the response headers. The id travels in the
// request context for the logging and recovery layers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := observability.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
