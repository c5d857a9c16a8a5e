// Package errors defines the failure taxonomy of the viewer engine. Every
// failure class degrades to a partial-but-consistent state (fewer results,
// missing highlights, retried persistence) rather than aborting the viewer;
// the sentinels here exist so callers can classify, log, and count failures
// without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrIndexing marks a per-page indexing failure. The page is skipped and
	// indexing continues.
	ErrIndexing = errors.New("page indexing failed")
	// ErrNetworkSearch marks a failed remote search call. Local results are
	// retained and the remote contribution is empty.
	ErrNetworkSearch = errors.New("remote search failed")
	// ErrRectMiss marks a search result whose on-page rectangle could not be
	// resolved. The result is kept without a rect.
	ErrRectMiss = errors.New("highlight rect unresolved")
	// ErrStaleResponse marks a response whose request id is no longer the
	// latest. Discarded silently, never user-visible.
	ErrStaleResponse = errors.New("stale response discarded")
	// ErrPersistence marks a failed rotation flush. The pending map is kept
	// for retry on the next debounce cycle.
	ErrPersistence = errors.New("rotation persistence failed")

	ErrPageNotFound = errors.New("page not found")
	ErrViewerClosed = errors.New("viewer closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("backend unavailable")
	ErrTimeout      = errors.New("operation timed out")
)

// AppError attaches a message and an HTTP status to a sentinel.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error to the status the API layer should return.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrPageNotFound), errors.Is(err, ErrRectMiss):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrViewerClosed):
		return http.StatusGone
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
