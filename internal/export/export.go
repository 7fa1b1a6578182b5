// Package export renders stored records as downloadable CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Format is an export encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// DefaultLimit caps exports that do not set a limit.
const DefaultLimit = 1000

// ErrUnsupportedFormat is returned by ParseFormat for unknown names.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// baseColumns precede the per-field columns in CSV output.
var baseColumns = []string{"url", "job_id", "depth", "crawl_date", "used_dynamic", "archive_uri"}

// ParseFormat maps a case-insensitive name to a Format.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// ContentType is the media type served for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Filename is the attachment name for an export taken at now.
func (f Format) Filename(now time.Time) string {
	return fmt.Sprintf("crawl_export_%s.%s", now.UTC().Format("20060102_150405"), f)
}

// Write encodes records to w in format f.
func Write(w io.Writer, f Format, records []crawler.ExtractedRecord) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, records)
	case FormatJSON:
		return WriteJSON(w, records)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []crawler.ExtractedRecord) error {
	if records == nil {
		records = []crawler.ExtractedRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

// WriteCSV writes one row per record. Every field name seen across records
// becomes a column, sorted by name; multiple matches are joined with " | ".
func WriteCSV(w io.Writer, records []crawler.ExtractedRecord) error {
	fields := fieldNames(records)
	cw := csv.NewWriter(w)

	header := append(append([]string{}, baseColumns...), fields...)
	header = append(header, "warnings")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, record := range records {
		row := []string{
			record.URL,
			record.JobID,
			strconv.Itoa(record.Depth),
			record.CrawledAt.UTC().Format(time.RFC3339),
			strconv.FormatBool(record.UsedDynamic),
			record.ArchiveURI,
		}
		for _, name := range fields {
			row = append(row, record.Fields[name].String())
		}
		row = append(row, strings.Join(record.Warnings, "; "))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func fieldNames(records []crawler.ExtractedRecord) []string {
	seen := make(map[string]struct{})
	for _, record := range records {
		for name := range record.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
