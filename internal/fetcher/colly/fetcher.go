// Package collyfetcher implements the static crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultTimeout = 15 * time.Second
	acceptHeader   = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"
)

var errNoResponse = errors.New("collector returned no response")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every fetch
// runs on a clone of one base collector so the HTTP backend and its
// connection pool are shared.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// outcome is filled by the collector callbacks of a single fetch.
type outcome struct {
	doc *crawler.Document
	err error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	// The frontier owns deduplication, so colly must never refuse a revisit.
	// colly treats anything from 203 up as an error by default; every status
	// is delivered to OnResponse and classified there instead.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit(), colly.ParseHTTPErrorResponse())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET and parses the HTML response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (*crawler.Document, error) {
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	var out outcome
	collector := f.buildCollector(ctx, time.Now(), &out)
	if err := f.runCollector(ctx, collector, request.URL, &out); err != nil {
		return nil, err
	}
	return out.doc, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, start time.Time, out *outcome) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, start, out)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, out *outcome) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := r.Request.URL.String()
		if r.StatusCode < http.StatusOK || r.StatusCode >= http.StatusMultipleChoices {
			out.err = crawler.NewStatusError(finalURL, r.StatusCode)
			return
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		if !crawler.IsHTMLContentType(contentType, r.Body) {
			out.err = &crawler.FetchError{URL: finalURL, StatusCode: r.StatusCode, Err: crawler.ErrNotHTML}
			return
		}
		doc, err := crawler.NewDocument(finalURL, r.StatusCode, append([]byte(nil), r.Body...), false)
		if err != nil {
			out.err = &crawler.FetchError{URL: finalURL, StatusCode: r.StatusCode, Err: err}
			return
		}
		doc.Duration = time.Since(start)
		out.doc = doc
	})

	hooks.OnError(func(r *colly.Response, err error) {
		url := ""
		if r != nil && r.Request != nil && r.Request.URL != nil {
			url = r.Request.URL.String()
		}
		if r != nil && r.StatusCode != 0 {
			out.err = crawler.NewStatusError(url, r.StatusCode)
			return
		}
		out.err = &crawler.FetchError{URL: url, Err: err}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, out *outcome) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{URL: url, Err: ctx.Err()}
	case err := <-done:
		if out.err != nil {
			var fetchErr *crawler.FetchError
			if errors.As(out.err, &fetchErr) && fetchErr.URL == "" {
				fetchErr.URL = url
			}
			return out.err
		}
		if err != nil {
			return &crawler.FetchError{URL: url, Err: err}
		}
		if out.doc == nil {
			return &crawler.FetchError{URL: url, Err: errNoResponse}
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
