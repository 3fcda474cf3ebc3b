// Package apperr defines the error taxonomy shared by storage, remotes and the sync loop.
package apperr

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrTransient    = errors.New("transient failure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrMalformed    = errors.New("malformed manifest")
	ErrInvalid      = errors.New("invalid input")
)

// Retryable reports whether a failed sync step may succeed on a later attempt.
// Malformed manifests count as transient: the document may have been read mid-write.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalid), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTransient),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	// Unclassified errors are usually network failures.
	return !errors.Is(err, ErrNotFound)
}

// Kind returns a short stable name for the error class, used in logs and events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transient"
	}
}
