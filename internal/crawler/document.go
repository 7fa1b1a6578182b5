package crawler

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Document is the engine-agnostic result of a successful fetch. Static and
// dynamic fetchers both produce it so extraction and link discovery never
// branch on the engine.
type Document struct {
	// URL is the final URL after redirects.
	URL         string
	StatusCode  int
	Body        []byte
	HTML        *goquery.Document
	UsedDynamic bool
	Duration    time.Duration
}

// NewDocument parses body as HTML and binds it to finalURL.
func NewDocument(finalURL string, status int, body []byte, dynamic bool) (*Document, error) {
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("parse document url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Url = parsed
	return &Document{
		URL:         finalURL,
		StatusCode:  status,
		Body:        body,
		HTML:        doc,
		UsedDynamic: dynamic,
	}, nil
}

// Links returns the absolute http(s) targets of every anchor in document
// order, without duplicates.
func (d *Document) Links() []string {
	if d == nil || d.HTML == nil {
		return nil
	}
	base := d.HTML.Url
	if href, ok := d.HTML.Find("base[href]").First().Attr("href"); ok {
		if resolved, ok := ResolveLink(base, href); ok {
			if u, err := url.Parse(resolved); err == nil {
				base = u
			}
		}
	}

	seen := make(map[string]struct{})
	var links []string
	d.HTML.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := ResolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// IsHTMLContentType reports whether a Content-Type header names an HTML
// document. An empty header falls back to sniffing body.
func IsHTMLContentType(contentType string, body []byte) bool {
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
