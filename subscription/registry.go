// Package subscription tracks, per ticker, how many live consumers want
// streaming updates. Wire frames are only warranted on the zero-to-one and
// one-to-zero ref-count edges; everything else is bookkeeping.
package subscription

import (
	"sort"
	"sync"

	"github.com/peakwatch/pricestream/ticker"
)

// Registry ref-counts ticker interest across independent consumers. Entries
// reaching zero are removed rather than kept at zero to bound memory.
type Registry struct {
	mu   sync.Mutex
	refs map[string]int
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{refs: make(map[string]int)}
}

// Subscribe increments the ref count for each normalized ticker and returns
// the tickers that transitioned zero to one, i.e. the incremental set that
// needs a wire subscribe frame. Duplicate and empty tickers within one call
// collapse to a single increment.
func (r *Registry) Subscribe(tickers []string) (added []string) {
	set := normalizeSet(tickers)
	if len(set) == 0 {
		return nil
	}

	r.mu.Lock()
	for t := range set {
		r.refs[t]++
		if r.refs[t] == 1 {
			added = append(added, t)
		}
	}
	r.mu.Unlock()

	sort.Strings(added)
	return added
}

// Unsubscribe decrements ref counts and returns the tickers that reached
// zero, i.e. the incremental set that needs a wire unsubscribe frame.
// Decrementing an absent ticker is a no-op; counts never go negative.
func (r *Registry) Unsubscribe(tickers []string) (removed []string) {
	set := normalizeSet(tickers)
	if len(set) == 0 {
		return nil
	}

	r.mu.Lock()
	for t := range set {
		count, ok := r.refs[t]
		if !ok {
			continue
		}
		if count <= 1 {
			delete(r.refs, t)
			removed = append(removed, t)
			continue
		}
		r.refs[t] = count - 1
	}
	r.mu.Unlock()

	sort.Strings(removed)
	return removed
}

// Count returns the current ref count for a ticker
func (r *Registry) Count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[ticker.Normalize(t)]
}

// Desired returns the full sorted set of tickers with a non-zero ref count.
// This is the source of truth replayed to the server after every successful
// connect, independent of the order individual calls arrived in.
func (r *Registry) Desired() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.refs))
	for t := range r.refs {
		out = append(out, t)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Len returns the number of tickers with active interest
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

func normalizeSet(tickers []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		if n := ticker.Normalize(t); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
