package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidSpec wraps every job specification validation failure.
	ErrInvalidSpec = errors.New("invalid job spec")
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotHTML marks responses whose content type is not HTML.
	ErrNotHTML = errors.New("response is not HTML")
	// ErrDynamicUnavailable is returned when a job needs the rendering engine
	// but none is configured.
	ErrDynamicUnavailable = errors.New("dynamic engine unavailable")
	// ErrUnsupportedURL marks URLs that are not absolute http(s) URLs.
	ErrUnsupportedURL = errors.New("unsupported url")

	errUnexpectedStatus = errors.New("unexpected response status")
)

// FetchError describes a failed page fetch.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the server signalled a transient condition.
func (e *FetchError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// NewStatusError builds a FetchError for a non-2xx response.
func NewStatusError(url string, status int) *FetchError {
	return &FetchError{URL: url, StatusCode: status, Err: errUnexpectedStatus}
}
