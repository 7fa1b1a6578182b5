// Package extract applies caller-defined CSS selectors to a parsed page.
//
// Multi-match policy: every match is kept, in document order, as one entry of
// the field's crawler.FieldValue. Nothing is silently dropped and a field
// with one match is indistinguishable from a plain string once encoded.
// Match text is the element's text content with whitespace runs collapsed
// to single spaces and the ends trimmed.
package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Result holds the fields found on one page plus per-field warnings.
type Result struct {
	Fields   map[string]crawler.FieldValue
	Warnings []string
}

// Extract evaluates selectors against doc. A field with zero matches is
// absent from the result. A malformed selector omits its field and records a
// warning; it never fails the page.
func Extract(doc *goquery.Document, selectors map[string]string) Result {
	result := Result{Fields: make(map[string]crawler.FieldValue, len(selectors))}
	if doc == nil {
		return result
	}

	for _, name := range sortedNames(selectors) {
		matcher, err := cascadia.Compile(selectors[name])
		if err != nil {
			result.Warnings = append(result.Warnings, invalidSelectorWarning(name, selectors[name], err))
			continue
		}
		if value := matchTexts(doc.FindMatcher(matcher)); len(value) > 0 {
			result.Fields[name] = value
		}
	}
	return result
}

// Check returns one warning per malformed selector without touching a
// document, so callers can surface problems before a crawl starts.
func Check(selectors map[string]string) []string {
	var warnings []string
	for _, name := range sortedNames(selectors) {
		if _, err := cascadia.Compile(selectors[name]); err != nil {
			warnings = append(warnings, invalidSelectorWarning(name, selectors[name], err))
		}
	}
	return warnings
}

func sortedNames(selectors map[string]string) []string {
	names := make([]string, 0, len(selectors))
	for name := range selectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func invalidSelectorWarning(name, selector string, err error) string {
	return fmt.Sprintf("field %q: invalid selector %q: %v", name, selector, err)
}

func matchTexts(sel *goquery.Selection) crawler.FieldValue {
	if sel.Length() == 0 {
		return nil
	}
	out := make(crawler.FieldValue, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, normalizeText(s.Text()))
	})
	return out
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
