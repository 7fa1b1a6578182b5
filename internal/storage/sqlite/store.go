// Package sqlite stores extracted records and job snapshots in a single
// SQLite file. Records are unique by URL; a later crawl replaces the row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS crawled_pages (
	url        TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	domain     TEXT NOT NULL,
	crawl_date TEXT NOT NULL,
	data_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawled_pages_crawl_date ON crawled_pages (crawl_date);
CREATE TABLE IF NOT EXISTS crawl_jobs (
	job_id     TEXT PRIMARY KEY,
	start_time TEXT NOT NULL,
	status     TEXT NOT NULL,
	data_json  TEXT NOT NULL
);`

// Config controls where the database file lives.
type Config struct {
	Path string `mapstructure:"path"`
}

// Store implements crawler.RecordStore and crawler.JobStore.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database file, creating it and the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing handle without touching the schema.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// SaveRecord inserts the record, replacing any earlier row for its URL.
func (s *Store) SaveRecord(ctx context.Context, record crawler.ExtractedRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO crawled_pages (url, job_id, domain, crawl_date, data_json) VALUES (?, ?, ?, ?, ?)`,
		record.URL,
		record.JobID,
		record.Domain(),
		formatTime(record.CrawledAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", record.URL, err)
	}
	return nil
}

// QueryRecords returns the newest records whose URL contains
// query.URLContains. SQLite's LIKE ignores ASCII case.
func (s *Store) QueryRecords(ctx context.Context, query crawler.RecordQuery) ([]crawler.ExtractedRecord, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows,
		`SELECT data_json FROM crawled_pages WHERE url LIKE ? ESCAPE '\' ORDER BY crawl_date DESC, url LIMIT ?`,
		likePattern(query.URLContains),
		query.EffectiveLimit(),
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records := make([]crawler.ExtractedRecord, 0, len(rows))
	for _, row := range rows {
		var record crawler.ExtractedRecord
		if err := json.Unmarshal([]byte(row), &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Stats aggregates the stored records.
func (s *Store) Stats(ctx context.Context) (crawler.RecordStats, error) {
	var stats crawler.RecordStats
	if err := s.db.GetContext(ctx, &stats.TotalRecords, `SELECT COUNT(*) FROM crawled_pages`); err != nil {
		return crawler.RecordStats{}, fmt.Errorf("count records: %w", err)
	}
	stats.TopDomains = []crawler.DomainCount{}
	err := s.db.SelectContext(ctx, &stats.TopDomains,
		`SELECT domain, COUNT(*) AS count FROM crawled_pages GROUP BY domain ORDER BY count DESC, domain LIMIT ?`,
		crawler.TopDomainLimit,
	)
	if err != nil {
		return crawler.RecordStats{}, fmt.Errorf("top domains: %w", err)
	}
	stats.ActivityByDay = []crawler.DayCount{}
	err = s.db.SelectContext(ctx, &stats.ActivityByDay,
		`SELECT substr(crawl_date, 1, 10) AS day, COUNT(*) AS count FROM crawled_pages GROUP BY day ORDER BY day`,
	)
	if err != nil {
		return crawler.RecordStats{}, fmt.Errorf("activity by day: %w", err)
	}
	return stats, nil
}

// SaveJob inserts or replaces the snapshot for job.ID.
func (s *Store) SaveJob(ctx context.Context, job crawler.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO crawl_jobs (job_id, start_time, status, data_json) VALUES (?, ?, ?, ?)`,
		job.ID,
		formatTime(job.StartTime),
		string(job.Status),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads a job snapshot by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data_json FROM crawl_jobs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return decodeJob(data)
}

// ListJobs returns up to limit jobs, most recently started first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = crawler.DefaultRecordLimit
	}
	var rows []string
	err := s.db.SelectContext(ctx, &rows,
		`SELECT data_json FROM crawl_jobs ORDER BY start_time DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]crawler.Job, 0, len(rows))
	for _, row := range rows {
		job, err := decodeJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(data string) (crawler.Job, error) {
	var job crawler.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func likePattern(contains string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(contains) + "%"
}
