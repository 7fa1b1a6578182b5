package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// RecordStore keeps the latest record per URL.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]crawler.ExtractedRecord
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]crawler.ExtractedRecord)}
}

// SaveRecord replaces any earlier record for the same URL.
func (s *RecordStore) SaveRecord(_ context.Context, record crawler.ExtractedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.URL] = record.Clone()
	return nil
}

// QueryRecords returns the newest records whose URL contains
// query.URLContains, ignoring case.
func (s *RecordStore) QueryRecords(_ context.Context, query crawler.RecordQuery) ([]crawler.ExtractedRecord, error) {
	needle := strings.ToLower(query.URLContains)

	s.mu.RLock()
	out := make([]crawler.ExtractedRecord, 0, len(s.records))
	for url, record := range s.records {
		if needle != "" && !strings.Contains(strings.ToLower(url), needle) {
			continue
		}
		out = append(out, record.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CrawledAt.Equal(out[j].CrawledAt) {
			return out[i].CrawledAt.After(out[j].CrawledAt)
		}
		return out[i].URL < out[j].URL
	})
	if limit := query.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates the stored records.
func (s *RecordStore) Stats(_ context.Context) (crawler.RecordStats, error) {
	domains := make(map[string]int)
	days := make(map[string]int)

	s.mu.RLock()
	total := len(s.records)
	for _, record := range s.records {
		domains[record.Domain()]++
		days[record.CrawledAt.UTC().Format(crawler.DayLayout)]++
	}
	s.mu.RUnlock()

	stats := crawler.RecordStats{
		TotalRecords:  total,
		TopDomains:    make([]crawler.DomainCount, 0, len(domains)),
		ActivityByDay: make([]crawler.DayCount, 0, len(days)),
	}
	for domain, count := range domains {
		stats.TopDomains = append(stats.TopDomains, crawler.DomainCount{Domain: domain, Count: count})
	}
	sort.Slice(stats.TopDomains, func(i, j int) bool {
		a, b := stats.TopDomains[i], stats.TopDomains[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Domain < b.Domain
	})
	if len(stats.TopDomains) > crawler.TopDomainLimit {
		stats.TopDomains = stats.TopDomains[:crawler.TopDomainLimit]
	}
	for day, count := range days {
		stats.ActivityByDay = append(stats.ActivityByDay, crawler.DayCount{Day: day, Count: count})
	}
	sort.Slice(stats.ActivityByDay, func(i, j int) bool {
		return stats.ActivityByDay[i].Day < stats.ActivityByDay[j].Day
	})
	return stats, nil
}
