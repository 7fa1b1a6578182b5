// Package spider runs a whole job through colly's own crawl loop. It is the
// alternate backend: colly owns traversal, deduplication and depth, and the
// job only shares the extractor, the record store and the counters with the
// native engine.
package spider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Config controls the colly collector built for every job.
type Config struct {
	Concurrency    int
	UserAgent      string
	RespectRobots  bool
	RequestTimeout time.Duration
	Delay          time.Duration
}

// Spider implements manager.Spider.
type Spider struct {
	cfg     Config
	records crawler.RecordStore
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Spider.
func New(cfg Config, records crawler.RecordStore, clock crawler.Clock, logger *zap.Logger) *Spider {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spider{
		cfg:     cfg,
		records: records,
		clock:   clock,
		logger:  logger.Named("spider"),
	}
}

// crawlState tracks one job's run through the collector.
type crawlState struct {
	job     crawler.Job
	tracker crawler.JobTracker
	logger  *zap.Logger

	mu      sync.Mutex
	seedErr error
}

func (s *crawlState) failSeed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seedErr == nil {
		s.seedErr = err
	}
}

func (s *crawlState) seedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seedErr
}

// Crawl blocks until colly has drained every request for job. A failed
// start URL is returned as an error; every other failure is only counted.
func (s *Spider) Crawl(ctx context.Context, job crawler.Job, tracker crawler.JobTracker) error {
	state := &crawlState{
		job:     job,
		tracker: tracker,
		logger:  s.logger.With(zap.String("job_id", job.ID)),
	}
	collector, err := s.initCollector(ctx, state)
	if err != nil {
		return err
	}

	start, err := crawler.NormalizeURL(job.StartURL)
	if err != nil {
		return fmt.Errorf("start url: %w", err)
	}
	if err := collector.Visit(start); err != nil {
		return fmt.Errorf("visit %s: %w", start, err)
	}
	collector.Wait()

	if err := state.seedError(); err != nil {
		return fmt.Errorf("start url %s: %w", start, err)
	}
	return nil
}

func (s *Spider) initCollector(ctx context.Context, state *crawlState) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		// colly counts the start URL as depth 1.
		colly.MaxDepth(state.job.MaxDepth + 1),
		colly.Async(true),
		// Status is classified in OnResponse so 203-299 count as success.
		colly.ParseHTTPErrorResponse(),
	}
	if !s.cfg.RespectRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(s.cfg.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	if s.cfg.RequestTimeout > 0 {
		collector.SetRequestTimeout(s.cfg.RequestTimeout)
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Concurrency,
		Delay:       s.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(s.handleRequest(ctx, state))
	collector.OnResponse(s.handleResponse(ctx, state))
	collector.OnHTML("a[href]", s.handleLink(state))
	collector.OnError(s.handleError(state))
	return collector, nil
}

func (s *Spider) handleRequest(ctx context.Context, state *crawlState) colly.RequestCallback {
	return func(r *colly.Request) {
		if state.tracker.CancelRequested() || ctx.Err() != nil {
			r.Abort()
			return
		}
		if state.job.RestrictDomain && !crawler.SameHost(state.job.StartURL, r.URL.String()) {
			r.Abort()
		}
	}
}

func (s *Spider) handleResponse(ctx context.Context, state *crawlState) colly.ResponseCallback {
	return func(r *colly.Response) {
		pageURL := r.Request.URL.String()
		depth := r.Request.Depth - 1

		if !successStatus(r.StatusCode) {
			s.pageFailed(state, pageURL, depth, crawler.NewStatusError(pageURL, r.StatusCode))
			return
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		if !crawler.IsHTMLContentType(contentType, r.Body) {
			s.pageFailed(state, pageURL, depth, &crawler.FetchError{URL: pageURL, StatusCode: r.StatusCode, Err: crawler.ErrNotHTML})
			return
		}
		doc, err := crawler.NewDocument(pageURL, r.StatusCode, r.Body, false)
		if err != nil {
			s.pageFailed(state, pageURL, depth, err)
			return
		}

		result := extract.Extract(doc.HTML, state.job.Selectors)
		record := crawler.ExtractedRecord{
			JobID:     state.job.ID,
			URL:       pageURL,
			Depth:     depth,
			Fields:    result.Fields,
			Warnings:  result.Warnings,
			CrawledAt: s.now(),
		}
		if err := s.records.SaveRecord(ctx, record); err != nil {
			state.tracker.IncErrors()
			metrics.ObservePage(pageURL, "spider", metrics.OutcomeStoreErr, len(r.Body))
			state.logger.Warn("save record failed", zap.String("url", pageURL), zap.Error(err))
			return
		}
		state.tracker.IncPagesCrawled()
		metrics.ObservePage(pageURL, "spider", metrics.OutcomeSuccess, len(r.Body))
	}
}

func (s *Spider) handleLink(state *crawlState) colly.HTMLCallback {
	return func(e *colly.HTMLElement) {
		if state.tracker.CancelRequested() || !successStatus(e.Response.StatusCode) {
			return
		}
		link, ok := crawler.ResolveLink(e.Request.URL, e.Attr("href"))
		if !ok {
			return
		}
		// Already visited, too deep and aborted links all surface here.
		if err := e.Request.Visit(link); err != nil {
			state.logger.Debug("link not followed", zap.String("url", link), zap.Error(err))
		}
	}
}

func (s *Spider) handleError(state *crawlState) colly.ErrorCallback {
	return func(r *colly.Response, err error) {
		pageURL := ""
		depth := 0
		if r != nil && r.Request != nil {
			pageURL = r.Request.URL.String()
			depth = r.Request.Depth - 1
		}
		if r != nil && r.StatusCode != 0 {
			err = crawler.NewStatusError(pageURL, r.StatusCode)
		}
		s.pageFailed(state, pageURL, depth, err)
	}
}

func (s *Spider) pageFailed(state *crawlState, pageURL string, depth int, err error) {
	state.tracker.IncErrors()
	metrics.ObservePage(pageURL, "spider", metrics.OutcomeError, 0)
	if depth <= 0 {
		state.failSeed(err)
		state.logger.Error("start url failed", zap.String("url", pageURL), zap.Error(err))
		return
	}
	state.logger.Warn("page failed", zap.String("url", pageURL), zap.Int("depth", depth), zap.Error(err))
}

func successStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func (s *Spider) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
