// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRecordsTable = "crawled_pages"
	DefaultJobsTable    = "crawl_jobs"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RecordsTable    string
	JobsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawler.RecordStore and crawler.JobStore on Postgres.
type Store struct {
	pool    pool
	records string
	jobs    string
}

// New connects a pgx pool using cfg and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pgPool, cfg.RecordsTable, cfg.JobsTable)
	if err != nil {
		pgPool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pgPool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, recordsTable, jobsTable string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if recordsTable == "" {
		recordsTable = DefaultRecordsTable
	}
	if jobsTable == "" {
		jobsTable = DefaultJobsTable
	}
	for _, table := range []string{recordsTable, jobsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: p, records: recordsTable, jobs: jobsTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url        TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	domain     TEXT NOT NULL,
	depth      INTEGER NOT NULL,
	crawl_date TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
)`, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_crawl_date_idx ON %s (crawl_date DESC)`, s.records, s.records),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT PRIMARY KEY,
	start_time TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL
)`, s.jobs),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return nil
}

// SaveRecord upserts the record keyed by URL.
func (s *Store) SaveRecord(ctx context.Context, record crawler.ExtractedRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (url, job_id, domain, depth, crawl_date, data) VALUES ($1, $2, $3, $4, $5, $6) `+
		`ON CONFLICT (url) DO UPDATE SET job_id = EXCLUDED.job_id, domain = EXCLUDED.domain, depth = EXCLUDED.depth, `+
		`crawl_date = EXCLUDED.crawl_date, data = EXCLUDED.data`, s.records)
	args := []any{
		record.URL,
		record.JobID,
		record.Domain(),
		record.Depth,
		record.CrawledAt.UTC(),
		data,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", record.URL, err)
	}
	return nil
}

// QueryRecords returns the newest records whose URL contains
// query.URLContains, ignoring case.
func (s *Store) QueryRecords(ctx context.Context, query crawler.RecordQuery) ([]crawler.ExtractedRecord, error) {
	sql := fmt.Sprintf(`SELECT data FROM %s WHERE url ILIKE $1 ORDER BY crawl_date DESC, url LIMIT $2`, s.records)
	rows, err := s.pool.Query(ctx, sql, likePattern(query.URLContains), query.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []crawler.ExtractedRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		var record crawler.ExtractedRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Stats aggregates the stored records.
func (s *Store) Stats(ctx context.Context) (crawler.RecordStats, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.records)).Scan(&total); err != nil {
		return crawler.RecordStats{}, fmt.Errorf("count records: %w", err)
	}
	stats := crawler.RecordStats{
		TotalRecords:  int(total),
		TopDomains:    []crawler.DomainCount{},
		ActivityByDay: []crawler.DayCount{},
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT domain, COUNT(*) AS count FROM %s GROUP BY domain ORDER BY count DESC, domain LIMIT $1`, s.records),
		crawler.TopDomainLimit)
	if err != nil {
		return crawler.RecordStats{}, fmt.Errorf("top domains: %w", err)
	}
	for rows.Next() {
		var row crawler.DomainCount
		var count int64
		if err := rows.Scan(&row.Domain, &count); err != nil {
			rows.Close()
			return crawler.RecordStats{}, fmt.Errorf("scan domain row: %w", err)
		}
		row.Count = int(count)
		stats.TopDomains = append(stats.TopDomains, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawler.RecordStats{}, fmt.Errorf("iterate domains: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		fmt.Sprintf(`SELECT to_char(crawl_date AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*) AS count FROM %s GROUP BY day ORDER BY day`, s.records))
	if err != nil {
		return crawler.RecordStats{}, fmt.Errorf("activity by day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row crawler.DayCount
		var count int64
		if err := rows.Scan(&row.Day, &count); err != nil {
			return crawler.RecordStats{}, fmt.Errorf("scan day row: %w", err)
		}
		row.Count = int(count)
		stats.ActivityByDay = append(stats.ActivityByDay, row)
	}
	if err := rows.Err(); err != nil {
		return crawler.RecordStats{}, fmt.Errorf("iterate days: %w", err)
	}
	return stats, nil
}

// SaveJob upserts the snapshot for job.ID.
func (s *Store) SaveJob(ctx context.Context, job crawler.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (job_id, start_time, status, data) VALUES ($1, $2, $3, $4) `+
		`ON CONFLICT (job_id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`, s.jobs)
	if _, err := s.pool.Exec(ctx, query, job.ID, job.StartTime.UTC(), string(job.Status), data); err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a single job snapshot by its ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE job_id = $1`, s.jobs), jobID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job crawler.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, most recently started first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = crawler.DefaultRecordLimit
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT data FROM %s ORDER BY start_time DESC, job_id LIMIT $1`, s.jobs), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		var job crawler.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func likePattern(contains string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(contains) + "%"
}
