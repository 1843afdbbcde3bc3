package gena

import (
	"errors"
	"net/http"
)

var (
	// ErrPreconditionFailed rejects a request whose SID or callback is
	// missing, unknown or duplicated.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrSubscriptionNotFound reports an unknown or expired SID.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrBadRequest rejects incompatible header combinations.
	ErrBadRequest = errors.New("bad request")

	ErrSIDMismatch     = errors.New("sid mismatch")
	ErrInvalidResponse = errors.New("invalid subscription response")
	ErrNoLocations     = errors.New("no event locations")
	ErrClosed          = errors.New("closed")
)

// StatusCode maps a GENA error onto its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrSIDMismatch):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
