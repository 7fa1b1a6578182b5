package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values. Every status other than running is terminal.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusStopped   JobStatus = "stopped"
	JobStatusError     JobStatus = "error"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusStopped, JobStatusError:
		return true
	default:
		return false
	}
}

// Backend selects which crawl loop executes a job.
type Backend string

const (
	// BackendNative runs the frontier and worker pool.
	BackendNative Backend = "native"
	// BackendSpider delegates the whole crawl to the colly spider.
	BackendSpider Backend = "spider"
)

// Job is the supervising record for one crawl request. Values handed out by
// the manager are snapshots and never alias live state.
type Job struct {
	ID               string            `json:"job_id"`
	StartURL         string            `json:"start_url"`
	MaxDepth         int               `json:"max_depth"`
	UseDynamicEngine bool              `json:"use_dynamic_engine"`
	RestrictDomain   bool              `json:"restrict_domain"`
	Backend          Backend           `json:"backend"`
	Selectors        map[string]string `json:"selectors,omitempty"`
	Status           JobStatus         `json:"status"`
	PagesCrawled     int64             `json:"pages_crawled"`
	ErrorCount       int64             `json:"errors"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	CancelRequested  bool              `json:"cancel_requested"`
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	if j.Selectors != nil {
		cp.Selectors = make(map[string]string, len(j.Selectors))
		for k, v := range j.Selectors {
			cp.Selectors[k] = v
		}
	}
	if j.EndTime != nil {
		end := *j.EndTime
		cp.EndTime = &end
	}
	return cp
}

// FieldValue holds the texts matched by one selector, in document order.
// A single match encodes to JSON as a plain string, several as an array.
type FieldValue []string

// MarshalJSON implements json.Marshaler.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

// UnmarshalJSON accepts either a string or an array of strings.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = FieldValue{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("decode field value: %w", err)
	}
	*v = FieldValue(many)
	return nil
}

// String joins multiple matches with " | " for flat exports.
func (v FieldValue) String() string {
	return strings.Join(v, " | ")
}

// ExtractedRecord is produced once per successfully fetched page.
type ExtractedRecord struct {
	JobID       string                `json:"job_id"`
	URL         string                `json:"url"`
	Depth       int                   `json:"depth"`
	Fields      map[string]FieldValue `json:"fields"`
	Warnings    []string              `json:"warnings,omitempty"`
	CrawledAt   time.Time             `json:"crawl_date"`
	UsedDynamic bool                  `json:"used_dynamic"`
	ContentHash string                `json:"content_hash,omitempty"`
	ArchiveURI  string                `json:"archive_uri,omitempty"`
}

// Clone returns a deep copy of the record.
func (r ExtractedRecord) Clone() ExtractedRecord {
	cp := r
	if r.Fields != nil {
		cp.Fields = make(map[string]FieldValue, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = append(FieldValue(nil), v...)
		}
	}
	if r.Warnings != nil {
		cp.Warnings = append([]string(nil), r.Warnings...)
	}
	return cp
}

// Domain is the host the record was fetched from, as grouped by RecordStats.
func (r ExtractedRecord) Domain() string {
	return Hostname(r.URL)
}

// RecordQuery filters stored records.
type RecordQuery struct {
	URLContains string
	Limit       int
}

// DefaultRecordLimit caps queries that do not set a limit.
const DefaultRecordLimit = 100

// EffectiveLimit returns the limit to apply, falling back to DefaultRecordLimit.
func (q RecordQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultRecordLimit
	}
	return q.Limit
}

// DomainCount is one row of the per-domain breakdown.
type DomainCount struct {
	Domain string `json:"domain" db:"domain"`
	Count  int    `json:"count" db:"count"`
}

// DayCount is one row of the crawl activity histogram.
type DayCount struct {
	Day   string `json:"day" db:"day"`
	Count int    `json:"count" db:"count"`
}

// RecordStats aggregates stored records for charts.
type RecordStats struct {
	TotalRecords  int           `json:"total_records"`
	TopDomains    []DomainCount `json:"top_domains"`
	ActivityByDay []DayCount    `json:"activity_by_day"`
}

// TopDomainLimit bounds RecordStats.TopDomains.
const TopDomainLimit = 10

// DayLayout formats RecordStats.ActivityByDay keys.
const DayLayout = "2006-01-02"

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Timeout time.Duration
}
