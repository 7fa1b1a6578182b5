package headless

import (
	"context"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Noop stands in for the browser when headless rendering is disabled. Jobs
// that ask for the dynamic engine fail at warm-up.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Warm always reports that no engine is available.
func (Noop) Warm(context.Context) error {
	return crawler.ErrDynamicUnavailable
}

// Fetch always reports that no engine is available.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (*crawler.Document, error) {
	return nil, &crawler.FetchError{URL: request.URL, Err: crawler.ErrDynamicUnavailable}
}
