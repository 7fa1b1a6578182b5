package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Depth bounds accepted by JobSpec.Validate.
const (
	MinMaxDepth     = 1
	DefaultMaxDepth = 10
)

// JobSpec is the caller-supplied description of a crawl.
type JobSpec struct {
	StartURL         string            `json:"start_url"`
	MaxDepth         int               `json:"max_depth"`
	UseDynamicEngine bool              `json:"use_dynamic_engine"`
	RestrictDomain   bool              `json:"restrict_domain"`
	Selectors        map[string]string `json:"selectors"`
	Backend          Backend           `json:"backend"`
}

// Normalize trims inputs, drops field/selector pairs where either side is
// blank and defaults the backend.
func (s JobSpec) Normalize() JobSpec {
	out := s
	out.StartURL = strings.TrimSpace(s.StartURL)
	out.Selectors = make(map[string]string, len(s.Selectors))
	for name, selector := range s.Selectors {
		name = strings.TrimSpace(name)
		selector = strings.TrimSpace(selector)
		if name == "" || selector == "" {
			continue
		}
		out.Selectors[name] = selector
	}
	if out.Backend == "" {
		out.Backend = BackendNative
	}
	return out
}

// Validate checks the spec against maxDepthLimit. A non-positive limit
// falls back to DefaultMaxDepth.
func (s JobSpec) Validate(maxDepthLimit int) error {
	if maxDepthLimit <= 0 {
		maxDepthLimit = DefaultMaxDepth
	}
	if s.StartURL == "" {
		return fmt.Errorf("%w: start_url is required", ErrInvalidSpec)
	}
	u, err := url.Parse(s.StartURL)
	if err != nil {
		return fmt.Errorf("%w: start_url: %v", ErrInvalidSpec, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: start_url must be an absolute http(s) URL", ErrInvalidSpec)
	}
	if s.MaxDepth < MinMaxDepth || s.MaxDepth > maxDepthLimit {
		return fmt.Errorf("%w: max_depth must be between %d and %d", ErrInvalidSpec, MinMaxDepth, maxDepthLimit)
	}
	switch s.Backend {
	case BackendNative:
	case BackendSpider:
		if s.UseDynamicEngine {
			return fmt.Errorf("%w: the spider backend does not support the dynamic engine", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidSpec, s.Backend)
	}
	return nil
}
