// Package linkcheck reports whether a list of URLs is well formed and
// reachable, fetching them in parallel through a crawler.Fetcher.
package linkcheck

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const defaultWorkers = 10

// Result is the outcome for one URL.
type Result struct {
	URL         string `json:"url"`
	ValidFormat bool   `json:"valid_format"`
	Accessible  bool   `json:"accessible"`
	StatusCode  int    `json:"status_code,omitempty"`
	FinalURL    string `json:"final_url,omitempty"`
	Redirected  bool   `json:"redirect"`
	Error       string `json:"error,omitempty"`
}

// Summary counts results by outcome. Redirects are also accessible.
type Summary struct {
	Total         int `json:"total"`
	InvalidFormat int `json:"invalid_format"`
	Accessible    int `json:"accessible"`
	Redirects     int `json:"redirects"`
	Errors        int `json:"errors"`
}

// Report is the full outcome of a Check, results in input order.
type Report struct {
	Summary Summary  `json:"summary"`
	Results []Result `json:"results"`
}

// Checker fans URL checks out over a bounded number of goroutines.
type Checker struct {
	fetcher crawler.Fetcher
	workers int
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Checker. workers <= 0 selects the default of 10.
func New(fetcher crawler.Fetcher, workers int, timeout time.Duration, logger *zap.Logger) *Checker {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{fetcher: fetcher, workers: workers, timeout: timeout, logger: logger.Named("linkcheck")}
}

// Check validates every URL. Unreachable URLs are reported, not returned as
// errors; only a canceled ctx fails the call.
func (c *Checker) Check(ctx context.Context, urls []string) (Report, error) {
	results := make([]Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			results[i] = Result{URL: raw, Error: err.Error()}
			continue
		}
		g.Go(func() error {
			results[i] = c.checkOne(gctx, raw, normalized)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Results: results, Summary: Summary{Total: len(urls)}}
	for _, r := range results {
		switch {
		case !r.ValidFormat:
			report.Summary.InvalidFormat++
		case !r.Accessible:
			report.Summary.Errors++
		default:
			report.Summary.Accessible++
			if r.Redirected {
				report.Summary.Redirects++
			}
		}
	}
	return report, nil
}

func (c *Checker) checkOne(ctx context.Context, raw, normalized string) Result {
	result := Result{URL: raw, ValidFormat: true}
	doc, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{URL: normalized, Timeout: c.timeout})
	if err != nil {
		var fetchErr *crawler.FetchError
		if errors.As(err, &fetchErr) {
			result.StatusCode = fetchErr.StatusCode
			if final, err := crawler.NormalizeURL(fetchErr.URL); err == nil && final != normalized {
				result.FinalURL = final
			}
		}
		// A reachable document that is not HTML still answers.
		if errors.Is(err, crawler.ErrNotHTML) && successStatus(result.StatusCode) {
			result.Accessible = true
			result.Redirected = result.FinalURL != ""
			return result
		}
		result.Error = err.Error()
		c.logger.Debug("url not accessible", zap.String("url", raw), zap.Error(err))
		return result
	}

	result.Accessible = true
	result.StatusCode = doc.StatusCode
	if final, err := crawler.NormalizeURL(doc.URL); err == nil && final != normalized {
		result.FinalURL = final
		result.Redirected = true
	}
	return result
}

func successStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
