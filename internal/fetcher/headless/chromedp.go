// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultSettleDelay = 2 * time.Second
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long a page may keep running scripts after the body
	// is ready before the DOM is captured.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome. One
// browser is shared by every job; each fetch opens its own tab.
type Fetcher struct {
	cfg           Config
	limiter       chan struct{}
	allocator     context.Context
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	warmMu sync.Mutex
	warmed bool
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser
// process is not started until Warm or the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		allocator:     allocCtx,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down and cancels the allocator context.
func (f *Fetcher) Close() {
	f.browserCancel()
	f.allocCancel()
}

// Warm launches the browser. It is safe to call repeatedly; only the first
// successful call does any work.
func (f *Fetcher) Warm(ctx context.Context) error {
	f.warmMu.Lock()
	defer f.warmMu.Unlock()
	if f.warmed {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(f.browser)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("headless warm-up canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	}
	f.warmed = true
	return nil
}

// Fetch navigates with a headless browser and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (*crawler.Document, error) {
	if err := f.Warm(ctx); err != nil {
		return nil, &crawler.FetchError{URL: request.URL, Err: err}
	}
	if err := f.acquire(ctx); err != nil {
		return nil, &crawler.FetchError{URL: request.URL, Err: err}
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.browser)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout(request.Timeout))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(tabCtx, request.URL)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &crawler.FetchError{URL: request.URL, Err: err}
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if status >= http.StatusBadRequest {
		return nil, crawler.NewStatusError(responseURL, status)
	}
	if ct := headers.Get("Content-Type"); ct != "" && !crawler.IsHTMLContentType(ct, nil) {
		return nil, &crawler.FetchError{URL: responseURL, StatusCode: status, Err: crawler.ErrNotHTML}
	}

	doc, err := crawler.NewDocument(responseURL, status, []byte(html), true)
	if err != nil {
		return nil, &crawler.FetchError{URL: responseURL, StatusCode: status, Err: err}
	}
	doc.Duration = time.Since(start)
	return doc, nil
}

// Screenshot renders rawURL and captures the full page as PNG.
func (f *Fetcher) Screenshot(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.Warm(ctx); err != nil {
		return nil, &crawler.FetchError{URL: rawURL, Err: err}
	}
	if err := f.acquire(ctx); err != nil {
		return nil, &crawler.FetchError{URL: rawURL, Err: err}
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.browser)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout(0))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var image []byte
	if err := chromedp.Run(tabCtx, f.screenshotActions(rawURL, &image)...); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &crawler.FetchError{URL: rawURL, Err: fmt.Errorf("chromedp run: %w", err)}
	}
	return image, nil
}

// screenshotActions navigates like a fetch does. Quality 100 makes
// FullScreenshot encode PNG instead of JPEG.
func (f *Fetcher) screenshotActions(rawURL string, image *[]byte) []chromedp.Action {
	return []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.settleDelay()),
		chromedp.FullScreenshot(image, 100),
	}
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.settleDelay()),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// navTimeout bounds one render by the shorter of the per-request timeout and
// the configured navigation timeout.
func (f *Fetcher) navTimeout(requestTimeout time.Duration) time.Duration {
	limit := f.cfg.NavigationTimeout
	if limit <= 0 {
		limit = defaultNavTimeout
	}
	if requestTimeout > 0 && requestTimeout < limit {
		return requestTimeout
	}
	return limit
}

func (f *Fetcher) settleDelay() time.Duration {
	if f.cfg.SettleDelay > 0 {
		return f.cfg.SettleDelay
	}
	return defaultSettleDelay
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops arrive first; the last document response wins.
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		dst[k] = append([]string(nil), values...)
	}
	return dst
}
