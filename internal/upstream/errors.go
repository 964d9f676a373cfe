package upstream

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrDomainNotAllowed = errors.New("domain not allowed by policy")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

// StatusError reports a non-2xx upstream response. It is surfaced to the
// caller without retry so handlers can translate the status directly.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.StatusCode, e.URL)
}

// IsStatus reports whether err wraps a StatusError and returns it.
func IsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
