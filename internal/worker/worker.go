// Package worker implements the bounded fetch-extract loop that drains a
// job's frontier.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const tracerName = "github.com/JakeFAU/sitecrawler/internal/worker"

// Config controls Pool behavior.
type Config struct {
	Concurrency    int
	RequestTimeout time.Duration
	ContentType    string
	ArchivePrefix  string
}

// RateLimiter throttles fetches per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Task is one job's crawl handed to the pool.
type Task struct {
	JobID     string
	Frontier  *frontier.Frontier
	Fetcher   crawler.Fetcher
	Dynamic   bool
	Selectors map[string]string
	Tracker   crawler.JobTracker
}

// errStopped marks a page given up between retries because the job was
// stopped. It is neither counted nor fatal.
var errStopped = errors.New("job stopped before retry")

// FatalError aborts a job. Only failures of the seed page are fatal; every
// other page failure is counted and skipped.
type FatalError struct {
	URL string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal crawl failure at %s: %v", e.URL, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Pool runs fetch-extract cycles with a fixed number of goroutines per job.
type Pool struct {
	records crawler.RecordStore
	blobs   crawler.BlobStore
	hasher  crawler.Hasher
	clock   crawler.Clock
	limiter RateLimiter
	retry   crawler.RetryPolicy
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New constructs a Pool. blobs, hasher, limiter and retry are optional.
func New(
	records crawler.RecordStore,
	blobs crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	limiter RateLimiter,
	retry crawler.RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		records: records,
		blobs:   blobs,
		hasher:  hasher,
		clock:   clock,
		limiter: limiter,
		retry:   retry,
		cfg:     cfg,
		logger:  logger.Named("worker"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Run drains task.Frontier and returns once it is exhausted, the job is
// stopped, ctx ends or a fatal error occurs. A stop lets in-flight pages
// finish but takes no new work.
func (p *Pool) Run(ctx context.Context, task Task) error {
	if task.Frontier == nil || task.Fetcher == nil || task.Tracker == nil {
		return errors.New("worker: task needs a frontier, a fetcher and a tracker")
	}

	g, gctx := errgroup.WithContext(ctx)
	waitCtx, stopWaiting := context.WithCancel(gctx)
	defer stopWaiting()
	go func() {
		select {
		case <-task.Tracker.Cancelled():
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.loop(gctx, waitCtx, task)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func (p *Pool) loop(ctx, waitCtx context.Context, task Task) error {
	for {
		if task.Tracker.CancelRequested() {
			return nil
		}
		entry, ok := task.Frontier.Next(waitCtx)
		if !ok {
			return nil
		}
		if task.Tracker.CancelRequested() {
			task.Frontier.Done(entry)
			return nil
		}
		err := p.process(ctx, task, entry)
		task.Frontier.Done(entry)
		if err != nil {
			return err
		}
	}
}

func (p *Pool) process(ctx context.Context, task Task, entry frontier.Entry) (err error) {
	logger := p.logger.With(
		zap.String("job_id", task.JobID),
		zap.String("url", entry.URL),
		zap.Int("depth", entry.Depth),
	)
	defer func() {
		if r := recover(); r != nil {
			err = p.pageFailed(logger, task, entry, fmt.Errorf("panic: %v", r))
		}
	}()

	doc, err := p.fetch(ctx, task, entry, logger)
	if errors.Is(err, errStopped) {
		logger.Debug("page abandoned after stop")
		return nil
	}
	if err != nil {
		return p.pageFailed(logger, task, entry, err)
	}
	if redirectedToSeen(task.Frontier, entry, doc) {
		logger.Debug("redirect target already visited", zap.String("final_url", doc.URL))
		return nil
	}

	result := extract.Extract(doc.HTML, task.Selectors)
	for _, warning := range result.Warnings {
		logger.Debug("extraction warning", zap.String("warning", warning))
	}
	record := crawler.ExtractedRecord{
		JobID:       task.JobID,
		URL:         entry.URL,
		Depth:       entry.Depth,
		Fields:      result.Fields,
		Warnings:    result.Warnings,
		CrawledAt:   p.now(),
		UsedDynamic: doc.UsedDynamic,
	}
	p.archive(ctx, task.JobID, doc, &record, logger)

	engine := metrics.Engine(task.Dynamic)
	if err := p.records.SaveRecord(ctx, record); err != nil {
		task.Tracker.IncErrors()
		metrics.ObservePage(entry.URL, engine, metrics.OutcomeStoreErr, len(doc.Body))
		logger.Warn("save record failed", zap.Error(err))
	} else {
		task.Tracker.IncPagesCrawled()
		metrics.ObservePage(entry.URL, engine, metrics.OutcomeSuccess, len(doc.Body))
	}

	offered := 0
	for _, link := range doc.Links() {
		if task.Frontier.Offer(link, entry.Depth+1, entry.URL) {
			offered++
		}
	}
	logger.Debug("page processed",
		zap.Int("status", doc.StatusCode),
		zap.Int("fields", len(record.Fields)),
		zap.Int("links_offered", offered),
	)
	return nil
}

// redirectedToSeen claims the final URL of a redirected fetch. It reports
// true when another entry already owns that URL, so the page is not recorded
// twice.
func redirectedToSeen(f *frontier.Frontier, entry frontier.Entry, doc *crawler.Document) bool {
	final, err := crawler.NormalizeURL(doc.URL)
	if err != nil || final == entry.URL {
		return false
	}
	return !f.Claim(final)
}

// pageFailed counts a failed page. The seed page is the only one whose
// failure ends the job, and only while the job has not been stopped.
func (p *Pool) pageFailed(logger *zap.Logger, task Task, entry frontier.Entry, err error) error {
	task.Tracker.IncErrors()
	outcome := metrics.OutcomeError
	if errors.Is(err, crawler.ErrNotHTML) {
		outcome = metrics.OutcomeNotHTML
	}
	metrics.ObservePage(entry.URL, metrics.Engine(task.Dynamic), outcome, 0)

	if entry.Depth == 0 && !task.Tracker.CancelRequested() {
		logger.Error("seed page failed", zap.Error(err))
		return &FatalError{URL: entry.URL, Err: err}
	}
	logger.Warn("page failed", zap.Error(err))
	return nil
}

func (p *Pool) fetch(
	ctx context.Context,
	task Task,
	entry frontier.Entry,
	logger *zap.Logger,
) (*crawler.Document, error) {
	ctx, span := p.tracer.Start(ctx, "crawler.fetch", trace.WithAttributes(
		attribute.String("crawler.job_id", task.JobID),
		attribute.String("url.full", entry.URL),
		attribute.Int("crawler.depth", entry.Depth),
		attribute.Bool("crawler.dynamic", task.Dynamic),
	))
	defer span.End()

	engine := metrics.Engine(task.Dynamic)
	for attempt := 1; ; attempt++ {
		if attempt > 1 && task.Tracker.CancelRequested() {
			return nil, errStopped
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx, entry.URL); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "rate limit wait")
				return nil, &crawler.FetchError{URL: entry.URL, Err: err}
			}
		}

		start := time.Now()
		doc, err := task.Fetcher.Fetch(ctx, crawler.FetchRequest{
			JobID:   task.JobID,
			URL:     entry.URL,
			Depth:   entry.Depth,
			Timeout: p.cfg.RequestTimeout,
		})
		metrics.ObserveFetchDuration(engine, time.Since(start))
		if err == nil {
			span.SetAttributes(
				attribute.Int("http.response.status_code", doc.StatusCode),
				attribute.Int("crawler.attempts", attempt),
			)
			return doc, nil
		}

		if task.Tracker.CancelRequested() && p.retry != nil && p.retry.ShouldRetry(err, attempt) {
			return nil, errStopped
		}
		if p.retry == nil || !p.retry.ShouldRetry(err, attempt) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return nil, err
		}
		delay := p.retry.Backoff(attempt - 1)
		metrics.ObservePage(entry.URL, engine, metrics.OutcomeRetry, 0)
		logger.Debug("retrying fetch", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &crawler.FetchError{URL: entry.URL, Err: ctx.Err()}
		case <-task.Tracker.Cancelled():
			timer.Stop()
			return nil, errStopped
		case <-timer.C:
		}
	}
}

// archive stores the raw page body when a blob store is configured. Archive
// failures only add a warning to the record.
func (p *Pool) archive(
	ctx context.Context,
	jobID string,
	doc *crawler.Document,
	record *crawler.ExtractedRecord,
	logger *zap.Logger,
) {
	if p.hasher == nil {
		return
	}
	hash, err := p.hasher.Hash(doc.Body)
	if err != nil {
		logger.Warn("hash body failed", zap.Error(err))
		return
	}
	record.ContentHash = hash
	if p.blobs == nil {
		return
	}
	uri, err := p.blobs.PutObject(ctx, p.buildBlobPath(jobID, hash), p.cfg.ContentType, bytes.NewReader(doc.Body))
	if err != nil {
		record.Warnings = append(record.Warnings, fmt.Sprintf("archive: %v", err))
		logger.Warn("archive page failed", zap.Error(err))
		return
	}
	record.ArchiveURI = uri
}

func (p *Pool) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (p *Pool) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}
