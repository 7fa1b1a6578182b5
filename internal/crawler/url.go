package crawler

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeURL canonicalizes an absolute http(s) URL for deduplication.
// It lowercases the scheme and host, removes default ports, defaults an empty
// path to "/" and removes the fragment. The query string is kept verbatim
// because two URLs that differ only by query are distinct pages.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrUnsupportedURL, rawURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

// ResolveLink resolves an anchor target against the page it was found on.
// Relative and protocol-relative forms are supported. Targets that do not
// resolve to http(s) are rejected.
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if base == nil || href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Hostname() == "" {
		return "", false
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), true
}

// RegistrableDomain returns the eTLD+1 of host. IP addresses and hosts the
// public suffix list cannot reduce (such as "localhost") are returned as-is.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// Hostname extracts the lowercase hostname from a raw URL, or "" when the
// URL cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SiteHost returns the scope key of a URL: its lowercase host with any
// default port removed, so "example.com:8080" and "example.com" differ while
// "example.com:443" over https does not. It returns "" for URLs that do not
// normalize.
func SiteHost(rawURL string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return ""
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Host
}

// SameHost reports whether two URLs share a host and port. Subdomains are
// different hosts.
func SameHost(a, b string) bool {
	ha := SiteHost(a)
	return ha != "" && ha == SiteHost(b)
}
