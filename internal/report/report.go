// Package report summarizes stored records for one site.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// SiteReport is the analysis of every stored record that matched a site
// filter.
type SiteReport struct {
	Site              string         `json:"site"`
	GeneratedAt       time.Time      `json:"generated_at"`
	PagesCrawled      int            `json:"pages_crawled"`
	Jobs              int            `json:"jobs"`
	FirstCrawled      time.Time      `json:"first_crawled"`
	LastCrawled       time.Time      `json:"last_crawled"`
	Hosts             map[string]int `json:"hosts"`
	Domains           map[string]int `json:"registrable_domains"`
	Depths            map[int]int    `json:"depths"`
	FieldCoverage     map[string]int `json:"field_coverage"`
	DynamicPages      int            `json:"dynamic_pages"`
	ArchivedPages     int            `json:"archived_pages"`
	PagesWithWarnings int            `json:"pages_with_warnings"`
}

// Build aggregates records into a SiteReport. A field counts toward coverage
// only on pages where at least one of its values is non-empty.
func Build(site string, records []crawler.ExtractedRecord, now time.Time) SiteReport {
	r := SiteReport{
		Site:          site,
		GeneratedAt:   now,
		PagesCrawled:  len(records),
		Hosts:         make(map[string]int),
		Domains:       make(map[string]int),
		Depths:        make(map[int]int),
		FieldCoverage: make(map[string]int),
	}
	jobs := make(map[string]struct{})
	for _, rec := range records {
		jobs[rec.JobID] = struct{}{}
		if r.FirstCrawled.IsZero() || rec.CrawledAt.Before(r.FirstCrawled) {
			r.FirstCrawled = rec.CrawledAt
		}
		if rec.CrawledAt.After(r.LastCrawled) {
			r.LastCrawled = rec.CrawledAt
		}
		if host := crawler.SiteHost(rec.URL); host != "" {
			r.Hosts[host]++
		}
		if domain := crawler.RegistrableDomain(crawler.Hostname(rec.URL)); domain != "" {
			r.Domains[domain]++
		}
		r.Depths[rec.Depth]++
		for name, value := range rec.Fields {
			if hasValue(value) {
				r.FieldCoverage[name]++
			}
		}
		if rec.UsedDynamic {
			r.DynamicPages++
		}
		if rec.ArchiveURI != "" {
			r.ArchivedPages++
		}
		if len(rec.Warnings) > 0 {
			r.PagesWithWarnings++
		}
	}
	r.Jobs = len(jobs)
	return r
}

func hasValue(v crawler.FieldValue) bool {
	for _, s := range v {
		if s != "" {
			return true
		}
	}
	return false
}

// WriteText prints r in a form meant for a terminal.
func WriteText(w io.Writer, r SiteReport) error {
	ew := &errWriter{w: w}
	ew.printf("===== Analysis report for %s =====\n", r.Site)
	ew.printf("Pages crawled: %d (jobs: %d)\n", r.PagesCrawled, r.Jobs)
	if r.PagesCrawled > 0 {
		ew.printf("Crawled between: %s and %s\n", r.FirstCrawled.Format(time.RFC3339), r.LastCrawled.Format(time.RFC3339))
	}
	ew.printf("Rendered with browser: %d\n", r.DynamicPages)
	ew.printf("Archived: %d\n", r.ArchivedPages)
	ew.printf("Pages with warnings: %d\n", r.PagesWithWarnings)

	ew.printf("\nHosts:\n")
	for _, k := range sortedKeys(r.Hosts) {
		ew.printf("  - %s: %d\n", k, r.Hosts[k])
	}
	ew.printf("\nRegistrable domains:\n")
	for _, k := range sortedKeys(r.Domains) {
		ew.printf("  - %s: %d\n", k, r.Domains[k])
	}
	ew.printf("\nDepths:\n")
	depths := make([]int, 0, len(r.Depths))
	for d := range r.Depths {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	for _, d := range depths {
		ew.printf("  - %d: %d\n", d, r.Depths[d])
	}
	ew.printf("\nField coverage:\n")
	for _, k := range sortedKeys(r.FieldCoverage) {
		ew.printf("  - %s: %d/%d\n", k, r.FieldCoverage[k], r.PagesCrawled)
	}
	return ew.err
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
