// Package apperr holds the error taxonomy shared by the sync engine and its
// HTTP surface. Components wrap a sentinel together with the underlying cause:
//
//	fmt.Errorf("list activities: %w: %w", apperr.ErrUpstream, err)
//
// and callers classify with errors.Is.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrAuth means the rider credential is expired or invalid and cannot be
	// recovered without signing in again.
	ErrAuth = errors.New("authentication failed")
	// ErrUpstream is a network failure or non-2xx response from the provider
	// that survived the retry policy.
	ErrUpstream = errors.New("upstream request failed")
	// ErrNotFound means no persisted result exists for the rider.
	ErrNotFound = errors.New("not found")
	// ErrValidation is a malformed or unexpected upstream payload.
	ErrValidation = errors.New("invalid payload")
	// ErrConflict means a sync for the same rider is already running.
	ErrConflict = errors.New("sync already in progress")
	// ErrCorrupt is persisted state that no longer decodes.
	ErrCorrupt = errors.New("stored data is corrupt")
)

// Kind returns a short label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "none":
		return http.StatusOK
	case "auth":
		return http.StatusUnauthorized
	case "conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "upstream", "validation":
		return http.StatusBadGateway
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
