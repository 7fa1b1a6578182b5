// Package frontier implements the per-job URL frontier: a depth-bounded,
// deduplicated, level-synchronous breadth-first queue.
package frontier

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Entry is one URL waiting to be fetched.
type Entry struct {
	URL            string
	Depth          int
	DiscoveredFrom string
}

// State is the outcome of Take.
type State int

const (
	// Ready means an entry was handed out and must be closed with Done.
	Ready State = iota
	// Wait means nothing is takeable yet but in-flight entries may still
	// offer more work.
	Wait
	// Exhausted means the queue is empty and nothing is in flight.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Wait:
		return "wait"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Frontier owns the visited set and the per-depth queues of one job. A
// single mutex guards offer, take and done so the visited check and the
// enqueue are one atomic decision.
//
// Levels are processed strictly in order: no entry of depth d+1 is handed out
// while any entry of depth d is queued or in flight. Every URL is therefore
// admitted at its shortest discovered depth.
type Frontier struct {
	maxDepth int
	restrict bool
	siteHost string

	mu       sync.Mutex
	visited  map[string]struct{}
	queues   [][]Entry
	level    int
	inFlight int
	changed  chan struct{}
}

// New creates a Frontier scoped to startURL. When restrict is set, offers
// whose host and port differ from the start URL's are dropped.
func New(startURL string, maxDepth int, restrict bool) (*Frontier, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("max depth must be >= 0")
	}
	normalized, err := crawler.NormalizeURL(startURL)
	if err != nil {
		return nil, fmt.Errorf("start url: %w", err)
	}
	return &Frontier{
		maxDepth: maxDepth,
		restrict: restrict,
		siteHost: crawler.SiteHost(normalized),
		visited:  make(map[string]struct{}),
		queues:   make([][]Entry, maxDepth+1),
		changed:  make(chan struct{}),
	}, nil
}

// Seed enqueues rawURL at depth 0, bypassing the domain filter.
func (f *Frontier) Seed(rawURL string) error {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admitLocked(Entry{URL: normalized})
	return nil
}

// Offer enqueues rawURL at depth iff depth <= max depth, the URL is in scope
// and it has not been seen before. Rejections are silent.
func (f *Frontier) Offer(rawURL string, depth int, discoveredFrom string) bool {
	if depth < 0 || depth > f.maxDepth {
		return false
	}
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if f.restrict && crawler.SiteHost(normalized) != f.siteHost {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admitLocked(Entry{URL: normalized, Depth: depth, DiscoveredFrom: discoveredFrom})
}

func (f *Frontier) admitLocked(e Entry) bool {
	if _, seen := f.visited[e.URL]; seen {
		return false
	}
	f.visited[e.URL] = struct{}{}
	f.queues[e.Depth] = append(f.queues[e.Depth], e)
	f.notifyLocked()
	return true
}

// Claim marks rawURL visited without queueing it. It reports false when the
// URL was already seen, which is how a redirect onto a known page is caught.
func (f *Frontier) Claim(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[normalized]; seen {
		return false
	}
	f.visited[normalized] = struct{}{}
	return true
}

// Take hands out the next entry of the current level.
func (f *Frontier) Take() (Entry, State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, state, _ := f.takeLocked()
	return entry, state
}

func (f *Frontier) takeLocked() (Entry, State, <-chan struct{}) {
	for {
		if q := f.queues[f.level]; len(q) > 0 {
			entry := q[0]
			q[0] = Entry{}
			f.queues[f.level] = q[1:]
			f.inFlight++
			return entry, Ready, nil
		}
		if f.inFlight > 0 {
			return Entry{}, Wait, f.changed
		}
		next, ok := f.lowestQueuedLocked()
		if !ok {
			return Entry{}, Exhausted, nil
		}
		f.level = next
	}
}

func (f *Frontier) lowestQueuedLocked() (int, bool) {
	for depth, q := range f.queues {
		if len(q) > 0 {
			return depth, true
		}
	}
	return 0, false
}

// Next blocks until an entry is available. It returns false once the
// frontier is exhausted or ctx is done.
func (f *Frontier) Next(ctx context.Context) (Entry, bool) {
	for {
		f.mu.Lock()
		entry, state, changed := f.takeLocked()
		f.mu.Unlock()

		switch state {
		case Ready:
			return entry, true
		case Exhausted:
			return Entry{}, false
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return Entry{}, false
		}
	}
}

// Done closes an entry handed out by Take or Next. Links discovered on the
// page must be offered before calling Done.
func (f *Frontier) Done(Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	f.notifyLocked()
}

// IsExhausted reports whether the queue is empty and nothing is in flight.
func (f *Frontier) IsExhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		return false
	}
	_, queued := f.lowestQueuedLocked()
	return !queued
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queues {
		n += len(q)
	}
	return n
}

// InFlight returns the number of entries handed out but not yet done.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Seen returns the number of distinct URLs admitted so far.
func (f *Frontier) Seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

func (f *Frontier) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
