// Package saveclient provides an HTTP client for the draft save endpoint
// with compare-and-swap semantics, idempotency keys, and error
// classification into a closed set of save outcomes.
package saveclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, saveclient.ErrEntityNotFound) to check.
var (
	ErrBadRequest     = errors.New("saveclient: bad request")
	ErrUnauthorized   = errors.New("saveclient: unauthorized")
	ErrForbidden      = errors.New("saveclient: forbidden")
	ErrEntityNotFound = errors.New("saveclient: entity not found")
	ErrGone           = errors.New("saveclient: entity gone")
	ErrServerError    = errors.New("saveclient: server error")
)

// APIError wraps a sentinel error with the HTTP status code, request ID,
// and the response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("saveclient: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("saveclient: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-retryable HTTP status code to a sentinel error.
// Conflict (409) and throttling (429) never reach here — they are distinct
// save outcomes, not errors.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrEntityNotFound
	case http.StatusGone:
		return ErrGone
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return fmt.Errorf("saveclient: unexpected status %d", code)
	}
}

// isTransient reports whether a status code indicates a transient server
// failure that should be treated as a network-class outcome rather than a
// fatal one.
func isTransient(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
