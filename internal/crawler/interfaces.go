package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a URL and returns a parsed document. Implementations
// return a *FetchError (or ErrNotHTML wrapped in one) for per-page failures.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (*Document, error)
}

// Warmer is implemented by fetchers that need an expensive one-time start,
// such as launching a browser. A failed warm-up is fatal for the job.
type Warmer interface {
	Warm(ctx context.Context) error
}

// JobTracker is the live side of a running job: counters the crawl loop
// increments and the cancellation flag it observes.
type JobTracker interface {
	CancelRequested() bool
	Cancelled() <-chan struct{}
	IncPagesCrawled()
	IncErrors()
}

// RecordStore persists extracted records and serves queries over them.
type RecordStore interface {
	SaveRecord(ctx context.Context, record ExtractedRecord) error
	QueryRecords(ctx context.Context, query RecordQuery) ([]ExtractedRecord, error)
	Stats(ctx context.Context) (RecordStats, error)
}

// JobStore persists job snapshots. GetJob returns ErrJobNotFound for unknown
// IDs; ListJobs returns the most recent jobs first.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes content digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
