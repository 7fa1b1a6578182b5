package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "pages; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)

	store, err := NewWithPool(mock, "pages", "jobs")
	require.NoError(t, err)
	require.Equal(t, "pages", store.records)
	require.Equal(t, "jobs", store.jobs)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawled_pages").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS crawled_pages_crawl_date_idx").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	record := crawler.ExtractedRecord{
		JobID:     "job-1",
		URL:       "https://example.com/a",
		Depth:     2,
		Fields:    map[string]crawler.FieldValue{"title": {"A"}},
		CrawledAt: at,
	}

	mock.ExpectExec("INSERT INTO crawled_pages .* ON CONFLICT \\(url\\) DO UPDATE").
		WithArgs("https://example.com/a", "job-1", "example.com", 2, at, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRecord(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordWrapsError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO crawled_pages").WillReturnError(errors.New("connection reset"))

	err := store.SaveRecord(context.Background(), crawler.ExtractedRecord{URL: "https://example.com/"})
	require.ErrorContains(t, err, "connection reset")
}

func TestQueryRecords(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"data"}).
		AddRow([]byte(`{"job_id":"j","url":"https://example.com/shop","fields":{"price":"9.99"},"crawl_date":"2025-03-01T10:00:00Z"}`))
	mock.ExpectQuery("SELECT data FROM crawled_pages WHERE url ILIKE \\$1").
		WithArgs("%shop%", 10).
		WillReturnRows(rows)

	got, err := store.QueryRecords(context.Background(), crawler.RecordQuery{URLContains: "shop", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, crawler.FieldValue{"9.99"}, got[0].Fields["price"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM crawled_pages").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT domain, COUNT").
		WithArgs(crawler.TopDomainLimit).
		WillReturnRows(pgxmock.NewRows([]string{"domain", "count"}).AddRow("example.com", int64(3)))
	mock.ExpectQuery("SELECT to_char").
		WillReturnRows(pgxmock.NewRows([]string{"day", "count"}).
			AddRow("2025-03-01", int64(2)).
			AddRow("2025-03-02", int64(1)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalRecords)
	require.Equal(t, []crawler.DomainCount{{Domain: "example.com", Count: 3}}, stats.TopDomains)
	require.Equal(t, []crawler.DayCount{{Day: "2025-03-01", Count: 2}, {Day: "2025-03-02", Count: 1}}, stats.ActivityByDay)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveJobUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusStopped, StartTime: start}

	mock.ExpectExec("INSERT INTO crawl_jobs .* ON CONFLICT \\(job_id\\)").
		WithArgs("job-1", start, "stopped", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT data FROM crawl_jobs WHERE job_id = \\$1").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"job_id":"job-1","status":"error","error_message":"boom"}`)))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Equal(t, "boom", job.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT data FROM crawl_jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT data FROM crawl_jobs ORDER BY start_time DESC").
		WithArgs(crawler.DefaultRecordLimit).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"job_id":"b"}`)).
			AddRow([]byte(`{"job_id":"a"}`)))

	jobs, err := store.ListJobs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "b", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
