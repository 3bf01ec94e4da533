package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeEdges(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	added := r.Subscribe([]string{"aapl", " msft "})
	assert.Equal(t, []string{"AAPL", "MSFT"}, added)

	// Second consumer for AAPL: count rises, no wire edge
	added = r.Subscribe([]string{"AAPL"})
	assert.Empty(t, added)
	assert.Equal(t, 2, r.Count("AAPL"))
	assert.Equal(t, 1, r.Count("MSFT"))
}

func TestSubscribeCollapsesDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	added := r.Subscribe([]string{"aapl", "AAPL", " aapl", ""})
	assert.Equal(t, []string{"AAPL"}, added)
	assert.Equal(t, 1, r.Count("AAPL"))
}

func TestUnsubscribeEdgesAndClamp(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Subscribe([]string{"AAPL"})
	r.Subscribe([]string{"AAPL"})

	removed := r.Unsubscribe([]string{"AAPL"})
	assert.Empty(t, removed, "one consumer unmounting must not drop the other's interest")
	assert.Equal(t, 1, r.Count("AAPL"))

	removed = r.Unsubscribe([]string{"AAPL"})
	assert.Equal(t, []string{"AAPL"}, removed)
	assert.Zero(t, r.Count("AAPL"))
	assert.Zero(t, r.Len(), "zero-count entries are removed, not kept")

	// Decrement below zero clamps as a no-op
	removed = r.Unsubscribe([]string{"AAPL"})
	assert.Empty(t, removed)
	assert.Zero(t, r.Count("AAPL"))
}

func TestDesiredSet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Subscribe([]string{"msft"})
	r.Subscribe([]string{"aapl", "goog"})
	assert.Equal(t, []string{"AAPL", "GOOG", "MSFT"}, r.Desired())

	r.Unsubscribe([]string{"GOOG"})
	assert.Equal(t, []string{"AAPL", "MSFT"}, r.Desired())
}

func TestRefCountInvariant(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	// Arbitrary interleaving across independent consumers
	calls := []struct {
		sub     bool
		tickers []string
	}{
		{true, []string{"AAPL"}},
		{true, []string{"AAPL", "GOOG"}},
		{false, []string{"GOOG"}},
		{true, []string{"TSLA"}},
		{false, []string{"AAPL"}},
		{false, []string{"MSFT"}}, // never subscribed
		{true, []string{"AAPL"}},
	}
	want := map[string]int{}
	for _, c := range calls {
		for _, tk := range c.tickers {
			if c.sub {
				want[tk]++
			} else if want[tk] > 0 {
				want[tk]--
			}
		}
		if c.sub {
			r.Subscribe(c.tickers)
		} else {
			r.Unsubscribe(c.tickers)
		}
	}
	for tk, count := range want {
		assert.Equal(t, count, r.Count(tk), tk)
	}
}

// Mirrors the documented end-to-end consumer scenario: overlapping interest
// from two consumers, released independently.
func TestTwoConsumerScenario(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	addedA := r.Subscribe([]string{"AAPL"})
	addedB := r.Subscribe([]string{"AAPL", "GOOG"})
	require.Equal(t, []string{"AAPL"}, addedA)
	require.Equal(t, []string{"GOOG"}, addedB)
	assert.Equal(t, 2, r.Count("AAPL"))
	assert.Equal(t, 1, r.Count("GOOG"))

	removed := r.Unsubscribe([]string{"AAPL"}) // consumer A unmounts
	assert.Empty(t, removed)
	assert.Equal(t, 1, r.Count("AAPL"))

	removed = r.Unsubscribe([]string{"AAPL", "GOOG"}) // consumer B unmounts
	assert.Equal(t, []string{"AAPL", "GOOG"}, removed)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Desired())
}
