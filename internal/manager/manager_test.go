package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

func TestStartRejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newSiteFetcher(nil), nil)
	cases := []crawler.JobSpec{
		{StartURL: "", MaxDepth: 1},
		{StartURL: "ftp://example.com", MaxDepth: 1},
		{StartURL: "https://example.com", MaxDepth: 0},
		{StartURL: "https://example.com", MaxDepth: 11},
		{StartURL: "https://example.com", MaxDepth: 1, Backend: "warp"},
	}
	for _, spec := range cases {
		_, err := m.Start(context.Background(), spec)
		require.ErrorIs(t, err, crawler.ErrInvalidSpec, "spec %+v", spec)
	}
	require.Zero(t, m.registry.Len())
}

func TestJobCompletesRestrictedCrawl(t *testing.T) {
	t.Parallel()

	fetcher := newSiteFetcher(map[string]sitePage{
		"https://example.com/":   {links: []string{"/a", "/b", "https://elsewhere.org/"}},
		"https://example.com/a":  {},
		"https://example.com/b":  {},
		"https://elsewhere.org/": {},
	})
	jobs := newFakeJobStore()
	pub := &fakePublisher{}
	m := newTestManager(t, fetcher, func(d *Dependencies) {
		d.Jobs = jobs
		d.Publisher = pub
	})

	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL:       "https://example.com",
		MaxDepth:       1,
		RestrictDomain: true,
		Selectors:      map[string]string{"title": "title", " ": "h1"},
	})
	require.NoError(t, err)

	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.EqualValues(t, 3, job.PagesCrawled)
	require.Zero(t, job.ErrorCount)
	require.NotNil(t, job.EndTime)
	require.Empty(t, job.ErrorMessage)
	require.Equal(t, map[string]string{"title": "title"}, job.Selectors)
	require.NotContains(t, fetcher.fetched(), "https://elsewhere.org/")

	stored, err := jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)
	require.EqualValues(t, 3, stored.PagesCrawled)

	require.Equal(t, []string{"jobs.completed"}, pub.topics())
}

func TestSeedTimeoutMarksJobError(t *testing.T) {
	t.Parallel()

	fetcher := newSiteFetcher(map[string]sitePage{
		"https://example.com/": {timeout: true},
	})
	m := newTestManager(t, fetcher, nil)

	id, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 2})
	require.NoError(t, err)

	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Zero(t, job.PagesCrawled)
	require.NotEmpty(t, job.ErrorMessage)
	require.Contains(t, job.ErrorMessage, "https://example.com/")
}

func TestZeroMatchSelectorIsAbsent(t *testing.T) {
	t.Parallel()

	fetcher := newSiteFetcher(map[string]sitePage{
		"https://example.com/":  {links: []string{"/a"}},
		"https://example.com/a": {},
	})
	records := newFakeRecords()
	m := newTestManagerWithRecords(t, fetcher, records, nil)

	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL:  "https://example.com/",
		MaxDepth:  1,
		Selectors: map[string]string{"price": ".price", "title": "title"},
	})
	require.NoError(t, err)
	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)

	all := records.all()
	require.Len(t, all, 2)
	for _, rec := range all {
		require.NotContains(t, rec.Fields, "price")
		require.Contains(t, rec.Fields, "title")
	}
}

func TestStopMidCrawl(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	pages := map[string]sitePage{"https://example.com/": {}}
	root := pages["https://example.com/"]
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("/p%d", i)
		root.links = append(root.links, path)
		pages["https://example.com"+path] = sitePage{block: release}
	}
	pages["https://example.com/"] = root
	fetcher := newSiteFetcher(pages)
	m := newTestManager(t, fetcher, nil)

	id, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fetcher.fetched()) == 3 }, time.Second, 5*time.Millisecond)

	require.True(t, m.Stop(id))
	require.True(t, m.Stop(id), "stop is idempotent while draining")
	snap, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	require.True(t, snap.CancelRequested)
	close(release)

	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusStopped, job.Status)
	require.Len(t, fetcher.fetched(), 3, "no new fetches after stop")
	require.EqualValues(t, 3, job.PagesCrawled)
	require.Empty(t, job.ErrorMessage)

	require.False(t, m.Stop(id), "terminal jobs are not running")
	require.False(t, m.Stop("missing"))
}

func TestStopDuringSeedRetryEndsStopped(t *testing.T) {
	t.Parallel()

	fetcher := newSiteFetcher(map[string]sitePage{
		"https://example.com/": {status: http.StatusServiceUnavailable},
	})
	m := newTestManager(t, fetcher, func(d *Dependencies) {
		d.Pool = worker.New(newFakeRecords(), nil, nil, nil, nil,
			crawler.NewExponentialRetryPolicy(4, 300*time.Millisecond, time.Second),
			worker.Config{Concurrency: 1}, zap.NewNop())
	})

	id, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fetcher.fetched()) == 1 }, time.Second, time.Millisecond)
	require.True(t, m.Stop(id))

	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusStopped, job.Status)
	require.Empty(t, job.ErrorMessage)
	require.Len(t, fetcher.fetched(), 1, "no retry after stop")
}

func TestDynamicEngineUnavailable(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newSiteFetcher(nil), nil)
	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL: "https://example.com/", MaxDepth: 1, UseDynamicEngine: true,
	})
	require.NoError(t, err)
	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Contains(t, job.ErrorMessage, crawler.ErrDynamicUnavailable.Error())
}

func TestDynamicWarmupFailureIsFatal(t *testing.T) {
	t.Parallel()

	dynamic := &warmingFetcher{siteFetcher: newSiteFetcher(nil), err: errors.New("chrome not found")}
	m := newTestManager(t, newSiteFetcher(nil), func(d *Dependencies) { d.Dynamic = dynamic })
	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL: "https://example.com/", MaxDepth: 1, UseDynamicEngine: true,
	})
	require.NoError(t, err)
	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Contains(t, job.ErrorMessage, "chrome not found")
	require.Empty(t, dynamic.fetched())
}

func TestDynamicEngineIsUsedWhenRequested(t *testing.T) {
	t.Parallel()

	static := newSiteFetcher(map[string]sitePage{"https://example.com/": {}})
	dynamic := &warmingFetcher{siteFetcher: newSiteFetcher(map[string]sitePage{"https://example.com/": {}})}
	m := newTestManager(t, static, func(d *Dependencies) { d.Dynamic = dynamic })

	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL: "https://example.com/", MaxDepth: 1, UseDynamicEngine: true,
	})
	require.NoError(t, err)
	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Empty(t, static.fetched())
	require.Equal(t, []string{"https://example.com/"}, dynamic.fetched())
	require.True(t, dynamic.warmed)
}

func TestStatusAndList(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobStore()
	earlier := crawler.Job{
		ID:        "from-before",
		StartURL:  "https://old.example.com/",
		Status:    crawler.JobStatusCompleted,
		StartTime: time.Unix(10, 0).UTC(),
	}
	require.NoError(t, jobs.SaveJob(context.Background(), earlier))

	fetcher := newSiteFetcher(map[string]sitePage{"https://example.com/": {}})
	m := newTestManager(t, fetcher, func(d *Dependencies) { d.Jobs = jobs })

	_, err := m.Status(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	old, err := m.Status(context.Background(), "from-before")
	require.NoError(t, err)
	require.Equal(t, "https://old.example.com/", old.StartURL)

	first, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 1})
	require.NoError(t, err)
	second, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 1})
	require.NoError(t, err)
	waitJob(t, m, first)
	waitJob(t, m, second)

	list, err := m.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "from-before", list[0].ID)

	live, err := m.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, live, 2)

	_, err = m.Wait(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestSnapshotsDoNotAliasLiveState(t *testing.T) {
	t.Parallel()

	fetcher := newSiteFetcher(map[string]sitePage{"https://example.com/": {}})
	m := newTestManager(t, fetcher, nil)
	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL: "https://example.com/", MaxDepth: 1, Selectors: map[string]string{"t": "title"},
	})
	require.NoError(t, err)
	job := waitJob(t, m, id)

	job.Selectors["t"] = "mutated"
	*job.EndTime = time.Time{}
	again, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "title", again.Selectors["t"])
	require.False(t, again.EndTime.IsZero())
}

func TestShutdownStopsRunningJobs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetcher := newSiteFetcher(map[string]sitePage{
		"https://example.com/":     {links: []string{"/slow"}},
		"https://example.com/slow": {block: release},
	})
	m := newTestManager(t, fetcher, nil)
	id, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fetcher.fetched()) == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, m.Shutdown(ctx), "blocked fetch outlives the grace period")
	close(release)

	job, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusStopped, job.Status)

	_, err = m.Start(context.Background(), crawler.JobSpec{StartURL: "https://example.com/", MaxDepth: 1})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestSpiderBackendDelegation(t *testing.T) {
	t.Parallel()

	spider := &fakeSpider{pages: 4}
	m := newTestManager(t, newSiteFetcher(nil), func(d *Dependencies) { d.Spider = spider })
	id, err := m.Start(context.Background(), crawler.JobSpec{
		StartURL: "https://example.com/", MaxDepth: 2, Backend: crawler.BackendSpider,
	})
	require.NoError(t, err)
	job := waitJob(t, m, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.EqualValues(t, 4, job.PagesCrawled)
	require.Equal(t, id, spider.lastJob().ID)

	noSpider := newTestManager(t, newSiteFetcher(nil), nil)
	id, err = noSpider.Start(context.Background(), crawler.JobSpec{
		StartURL: "https://example.com/", MaxDepth: 2, Backend: crawler.BackendSpider,
	})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusError, waitJob(t, noSpider, id).Status)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	t.Parallel()

	fetcher := newSiteFetcher(map[string]sitePage{
		"https://a.example.com/":  {links: []string{"/1"}},
		"https://a.example.com/1": {},
		"https://b.example.com/":  {status: http.StatusNotFound},
	})
	m := newTestManager(t, fetcher, nil)

	a, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://a.example.com/", MaxDepth: 1})
	require.NoError(t, err)
	b, err := m.Start(context.Background(), crawler.JobSpec{StartURL: "https://b.example.com/", MaxDepth: 1})
	require.NoError(t, err)

	jobA := waitJob(t, m, a)
	jobB := waitJob(t, m, b)
	require.Equal(t, crawler.JobStatusCompleted, jobA.Status)
	require.EqualValues(t, 2, jobA.PagesCrawled)
	require.Equal(t, crawler.JobStatusError, jobB.Status)
	require.EqualValues(t, 1, jobB.ErrorCount)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{}, nil)
	require.Error(t, err)
	_, err = New(Config{}, Dependencies{Pool: worker.New(newFakeRecords(), nil, nil, nil, nil, nil, worker.Config{}, nil)}, nil)
	require.Error(t, err)
}

func waitJob(t *testing.T, m *Manager, id string) crawler.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, job.Status.Terminal())
	return job
}

func newTestManager(t *testing.T, static crawler.Fetcher, configure func(*Dependencies)) *Manager {
	t.Helper()
	return newTestManagerWithRecords(t, static, newFakeRecords(), configure)
}

func newTestManagerWithRecords(
	t *testing.T,
	static crawler.Fetcher,
	records crawler.RecordStore,
	configure func(*Dependencies),
) *Manager {
	t.Helper()
	deps := Dependencies{
		Pool:   worker.New(records, nil, nil, nil, nil, nil, worker.Config{Concurrency: 2}, zap.NewNop()),
		Static: static,
	}
	if configure != nil {
		configure(&deps)
	}
	m, err := New(Config{CompletionTopic: "jobs.completed"}, deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

type sitePage struct {
	links   []string
	status  int
	timeout bool
	block   chan struct{}
}

type siteFetcher struct {
	pages map[string]sitePage

	mu    sync.Mutex
	order []string
}

func newSiteFetcher(pages map[string]sitePage) *siteFetcher {
	return &siteFetcher{pages: pages}
}

func (s *siteFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (*crawler.Document, error) {
	s.mu.Lock()
	s.order = append(s.order, req.URL)
	s.mu.Unlock()

	p, ok := s.pages[req.URL]
	if !ok {
		return nil, crawler.NewStatusError(req.URL, http.StatusNotFound)
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, &crawler.FetchError{URL: req.URL, Err: ctx.Err()}
		}
	}
	if p.timeout {
		return nil, &crawler.FetchError{URL: req.URL, Err: context.DeadlineExceeded}
	}
	if p.status >= http.StatusBadRequest {
		return nil, crawler.NewStatusError(req.URL, p.status)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body>", req.URL)
	for _, link := range p.links {
		fmt.Fprintf(&b, `<a href="%s">x</a>`, link)
	}
	b.WriteString("</body></html>")
	return crawler.NewDocument(req.URL, http.StatusOK, []byte(b.String()), false)
}

func (s *siteFetcher) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type warmingFetcher struct {
	*siteFetcher
	err    error
	warmed bool
}

func (w *warmingFetcher) Warm(context.Context) error {
	if w.err != nil {
		return w.err
	}
	w.warmed = true
	return nil
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]crawler.ExtractedRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]crawler.ExtractedRecord)}
}

func (f *fakeRecords) SaveRecord(_ context.Context, record crawler.ExtractedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.URL] = record
	return nil
}

func (f *fakeRecords) QueryRecords(context.Context, crawler.RecordQuery) ([]crawler.ExtractedRecord, error) {
	return f.all(), nil
}

func (f *fakeRecords) Stats(context.Context) (crawler.RecordStats, error) {
	return crawler.RecordStats{}, nil
}

func (f *fakeRecords) all() []crawler.ExtractedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.ExtractedRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]crawler.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]crawler.Job)}
}

func (f *fakeJobStore) SaveJob(_ context.Context, job crawler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job.Clone()
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (f *fakeJobStore) ListJobs(_ context.Context, limit int) ([]crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		if len(out) == limit {
			break
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _ any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, topic)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeSpider struct {
	pages int

	mu  sync.Mutex
	job crawler.Job
}

func (f *fakeSpider) Crawl(_ context.Context, job crawler.Job, tracker crawler.JobTracker) error {
	f.mu.Lock()
	f.job = job
	f.mu.Unlock()
	for i := 0; i < f.pages; i++ {
		tracker.IncPagesCrawled()
	}
	return nil
}

func (f *fakeSpider) lastJob() crawler.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job
}
