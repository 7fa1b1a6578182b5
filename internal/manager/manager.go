// Package manager owns crawl jobs: it validates requests, runs each job on
// its own worker pool, supervises cancellation and records the final state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

const finalizeTimeout = 10 * time.Second

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("manager is shutting down")

// Runner executes a native crawl over a frontier.
type Runner interface {
	Run(ctx context.Context, task worker.Task) error
}

// Spider executes a whole crawl through the alternate engine.
type Spider interface {
	Crawl(ctx context.Context, job crawler.Job, tracker crawler.JobTracker) error
}

// Config controls Manager behavior.
type Config struct {
	MaxDepthLimit   int
	CompletionTopic string
}

// Dependencies are the collaborators a Manager drives. Static and Pool are
// required; the rest are optional.
type Dependencies struct {
	Pool      Runner
	Spider    Spider
	Static    crawler.Fetcher
	Dynamic   crawler.Fetcher
	Jobs      crawler.JobStore
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Manager is the job supervisor. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	deps     Dependencies
	registry *Registry
	logger   *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	closing    atomic.Bool
	idSeq      atomic.Uint64
}

// New constructs a Manager with an empty registry.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Manager, error) {
	if deps.Pool == nil {
		return nil, errors.New("manager: worker pool is required")
	}
	if deps.Static == nil {
		return nil, errors.New("manager: static fetcher is required")
	}
	if cfg.MaxDepthLimit <= 0 {
		cfg.MaxDepthLimit = crawler.DefaultMaxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		registry:   NewRegistry(),
		logger:     logger.Named("manager"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}, nil
}

// Start validates spec, registers a running job and returns its ID. The
// crawl proceeds in the background; ctx only bounds the registration.
func (m *Manager) Start(ctx context.Context, spec crawler.JobSpec) (string, error) {
	if m.closing.Load() {
		return "", ErrShuttingDown
	}
	spec = spec.Normalize()
	if err := spec.Validate(m.cfg.MaxDepthLimit); err != nil {
		return "", err
	}
	id, err := m.newID()
	if err != nil {
		return "", err
	}

	job := crawler.Job{
		ID:               id,
		StartURL:         spec.StartURL,
		MaxDepth:         spec.MaxDepth,
		UseDynamicEngine: spec.UseDynamicEngine,
		RestrictDomain:   spec.RestrictDomain,
		Backend:          spec.Backend,
		Selectors:        spec.Selectors,
		Status:           crawler.JobStatusRunning,
		StartTime:        m.now(),
	}
	jobRun := newRun(job)
	m.registry.add(jobRun)
	m.persist(ctx, job)

	metrics.IncActiveJobs()
	m.wg.Add(1)
	go m.execute(jobRun)

	m.logger.Info("job started",
		zap.String("job_id", id),
		zap.String("start_url", job.StartURL),
		zap.Int("max_depth", job.MaxDepth),
		zap.Bool("dynamic", job.UseDynamicEngine),
		zap.Bool("restrict_domain", job.RestrictDomain),
		zap.String("backend", string(job.Backend)),
	)
	return id, nil
}

// Stop requests cancellation. It is idempotent and reports whether a running
// job with that ID was found.
func (m *Manager) Stop(id string) bool {
	jobRun, ok := m.registry.get(id)
	if !ok {
		return false
	}
	if !jobRun.requestCancel() {
		return false
	}
	m.logger.Info("job stop requested", zap.String("job_id", id))
	return true
}

// Status returns a point-in-time copy of the job. Jobs unknown to this
// process are looked up in the job store.
func (m *Manager) Status(ctx context.Context, id string) (crawler.Job, error) {
	if jobRun, ok := m.registry.get(id); ok {
		return jobRun.snapshot(), nil
	}
	if m.deps.Jobs == nil {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	job, err := m.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

// List returns snapshots of every known job ordered by start time. Stored
// jobs from earlier runs are included up to limit.
func (m *Manager) List(ctx context.Context, limit int) ([]crawler.Job, error) {
	runs := m.registry.all()
	seen := make(map[string]struct{}, len(runs))
	jobs := make([]crawler.Job, 0, len(runs))
	for _, jobRun := range runs {
		jobs = append(jobs, jobRun.snapshot())
		seen[jobRun.id] = struct{}{}
	}
	if m.deps.Jobs != nil && limit > 0 {
		stored, err := m.deps.Jobs.ListJobs(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("list stored jobs: %w", err)
		}
		for _, job := range stored {
			if _, dup := seen[job.ID]; !dup {
				jobs = append(jobs, job)
			}
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

// Wait blocks until the job reaches a terminal status or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (crawler.Job, error) {
	jobRun, ok := m.registry.get(id)
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	select {
	case <-jobRun.done:
		return jobRun.snapshot(), nil
	case <-ctx.Done():
		return jobRun.snapshot(), fmt.Errorf("wait for job %s: %w", id, ctx.Err())
	}
}

// Shutdown stops every running job and waits for them to drain. If ctx ends
// first, in-flight fetches are aborted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	for _, jobRun := range m.registry.all() {
		jobRun.requestCancel()
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: %w", ctx.Err())
		m.cancelBase()
		<-drained
	}
	m.cancelBase()
	return err
}

func (m *Manager) execute(jobRun *run) {
	defer m.wg.Done()
	defer metrics.DecActiveJobs()

	err := m.crawl(m.baseCtx, jobRun)

	status := crawler.JobStatusCompleted
	message := ""
	switch {
	case err != nil:
		status = crawler.JobStatusError
		message = err.Error()
	case jobRun.CancelRequested() || m.baseCtx.Err() != nil:
		status = crawler.JobStatusStopped
	}
	m.finalize(jobRun, status, message)
}

func (m *Manager) crawl(ctx context.Context, jobRun *run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	job := jobRun.snapshot()
	if job.Backend == crawler.BackendSpider {
		if m.deps.Spider == nil {
			return errors.New("spider backend is not configured")
		}
		if err := m.deps.Spider.Crawl(ctx, job, jobRun); err != nil {
			return fmt.Errorf("spider crawl: %w", err)
		}
		return nil
	}

	fetcher := m.deps.Static
	if job.UseDynamicEngine {
		fetcher = m.deps.Dynamic
		if fetcher == nil {
			return crawler.ErrDynamicUnavailable
		}
	}
	if warmer, ok := fetcher.(crawler.Warmer); ok {
		if err := warmer.Warm(ctx); err != nil {
			return fmt.Errorf("start dynamic engine: %w", err)
		}
	}

	f, err := frontier.New(job.StartURL, job.MaxDepth, job.RestrictDomain)
	if err != nil {
		return fmt.Errorf("build frontier: %w", err)
	}
	if err := f.Seed(job.StartURL); err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}

	return m.deps.Pool.Run(ctx, worker.Task{
		JobID:     job.ID,
		Frontier:  f,
		Fetcher:   fetcher,
		Dynamic:   job.UseDynamicEngine,
		Selectors: job.Selectors,
		Tracker:   jobRun,
	})
}

func (m *Manager) finalize(jobRun *run, status crawler.JobStatus, message string) {
	job, ok := jobRun.finish(status, message, m.now())
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	m.persist(ctx, job)
	m.publish(ctx, job)
	metrics.ObserveJob(string(job.Status))

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int64("pages_crawled", job.PagesCrawled),
		zap.Int64("errors", job.ErrorCount),
		zap.Duration("elapsed", job.EndTime.Sub(job.StartTime)),
	}
	if job.Status == crawler.JobStatusError {
		m.logger.Error("job failed", append(fields, zap.String("error", job.ErrorMessage))...)
		return
	}
	m.logger.Info("job finished", fields...)
}

func (m *Manager) persist(ctx context.Context, job crawler.Job) {
	if m.deps.Jobs == nil {
		return
	}
	if err := m.deps.Jobs.SaveJob(ctx, job); err != nil {
		m.logger.Warn("persist job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, job crawler.Job) {
	if m.deps.Publisher == nil || m.cfg.CompletionTopic == "" {
		return
	}
	if _, err := m.deps.Publisher.Publish(ctx, m.cfg.CompletionTopic, job); err != nil {
		m.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) newID() (string, error) {
	if m.deps.IDs == nil {
		return fmt.Sprintf("job-%d", m.idSeq.Add(1)), nil
	}
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id, nil
}

func (m *Manager) now() time.Time {
	if m.deps.Clock == nil {
		return time.Now().UTC()
	}
	return m.deps.Clock.Now()
}
