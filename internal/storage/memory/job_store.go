package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// SaveJob inserts or replaces the snapshot for job.ID.
func (s *JobStore) SaveJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns up to limit jobs, most recently started first.
func (s *JobStore) ListJobs(_ context.Context, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
