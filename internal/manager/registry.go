package manager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Registry holds every job started by one Manager. Entries are never
// evicted.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*run
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*run)}
}

func (r *Registry) add(jobRun *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[jobRun.id] = jobRun
}

func (r *Registry) get(id string) (*run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobRun, ok := r.runs[id]
	return jobRun, ok
}

func (r *Registry) all() []*run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*run, 0, len(r.runs))
	for _, jobRun := range r.runs {
		out = append(out, jobRun)
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// run is the live state of one job. It implements crawler.JobTracker for
// the worker pool and the spider.
type run struct {
	id string

	mu  sync.Mutex
	job crawler.Job

	pages  atomic.Int64
	errors atomic.Int64

	cancel     atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once

	done chan struct{}
}

func newRun(job crawler.Job) *run {
	return &run{
		id:       job.ID,
		job:      job.Clone(),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *run) CancelRequested() bool      { return r.cancel.Load() }
func (r *run) Cancelled() <-chan struct{} { return r.cancelCh }
func (r *run) IncPagesCrawled()           { r.pages.Add(1) }
func (r *run) IncErrors()                 { r.errors.Add(1) }

// requestCancel raises the cancel flag once. It reports whether the job was
// still running.
func (r *run) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.Terminal() {
		return false
	}
	r.cancelOnce.Do(func() {
		r.cancel.Store(true)
		close(r.cancelCh)
	})
	return true
}

// finish moves a running job to a terminal status. Only the first call has
// any effect.
func (r *run) finish(status crawler.JobStatus, message string, end time.Time) (crawler.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.Terminal() {
		return r.snapshotLocked(), false
	}
	r.job.Status = status
	r.job.EndTime = &end
	if status == crawler.JobStatusError {
		r.job.ErrorMessage = message
	}
	snap := r.snapshotLocked()
	close(r.done)
	return snap, true
}

func (r *run) snapshot() crawler.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *run) snapshotLocked() crawler.Job {
	snap := r.job.Clone()
	snap.PagesCrawled = r.pages.Load()
	snap.ErrorCount = r.errors.Load()
	snap.CancelRequested = r.cancel.Load()
	return snap
}

func sortJobs(jobs []crawler.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].StartTime.Before(jobs[j].StartTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
