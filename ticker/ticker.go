// Package ticker holds the shared in-memory price cache. The cache is the
// single authoritative view of the latest known price per ticker; it is
// written by the websocket frame handlers and the reconciliation poller and
// read by every consumer.
package ticker

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is the latest known price state for a single ticker
type PriceRecord struct {
	Ticker         string    `json:"ticker"`
	Price          float64   `json:"price"`
	Size           float64   `json:"size,omitempty"`
	EventTimestamp int64     `json:"timestamp,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UpdateHandler is invoked after a record changes, with the stored record.
// Push updates and differing reconciliation merges share this path so
// consumers cannot distinguish the source of a correction.
type UpdateHandler func(*PriceRecord)

// Normalize returns the canonical cache key form of a ticker symbol
func Normalize(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// Cache maps ticker to its latest PriceRecord. Every mutation installs a
// fresh outer map so snapshots returned by Prices are stable and can be
// compared by reference for change detection. Records are never deleted
// during a session; stale-but-present is acceptable.
type Cache struct {
	mu       sync.RWMutex
	prices   map[string]*PriceRecord
	onUpdate UpdateHandler
	now      func() time.Time
}

// NewCache returns an empty price cache
func NewCache() *Cache {
	return &Cache{
		prices: make(map[string]*PriceRecord),
		now:    time.Now,
	}
}

// SetUpdateHandler registers a handler fired on every record change. Must be
// set before the streaming session starts; not safe to swap mid-flight.
func (c *Cache) SetUpdateHandler(fn UpdateHandler) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Upsert stores a push-sourced record unconditionally; last write wins. The
// record's ticker is normalized and UpdatedAt is stamped here.
func (c *Cache) Upsert(rec PriceRecord) {
	rec.Ticker = Normalize(rec.Ticker)
	if rec.Ticker == "" {
		return
	}
	rec.UpdatedAt = c.nowFunc()()

	c.mu.Lock()
	stored := c.install(&rec)
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		fn(stored)
	}
}

// UpsertBatch union-merges a batch snapshot into the cache without clearing
// existing entries, so tickers whose push frame has not yet re-arrived after
// a reconnect stay visible
func (c *Cache) UpsertBatch(recs []PriceRecord) {
	if len(recs) == 0 {
		return
	}

	stamp := c.nowFunc()()
	stored := make([]*PriceRecord, 0, len(recs))

	c.mu.Lock()
	next := c.copyPrices(len(recs))
	for i := range recs {
		rec := recs[i]
		rec.Ticker = Normalize(rec.Ticker)
		if rec.Ticker == "" {
			continue
		}
		rec.UpdatedAt = stamp
		next[rec.Ticker] = &rec
		stored = append(stored, &rec)
	}
	c.prices = next
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		for i := range stored {
			fn(stored[i])
		}
	}
}

// Reconcile merges an authoritative pull-sourced price. The record is only
// touched when the price differs numerically from the cached value; an
// equal price must not bump UpdatedAt or fire the update handler. Returns
// whether the cache changed.
func (c *Cache) Reconcile(t string, price decimal.Decimal) bool {
	key := Normalize(t)
	if key == "" {
		return false
	}

	c.mu.Lock()
	if existing, ok := c.prices[key]; ok && decimal.NewFromFloat(existing.Price).Equal(price) {
		c.mu.Unlock()
		return false
	}
	rec := &PriceRecord{
		Ticker:    key,
		Price:     price.InexactFloat64(),
		UpdatedAt: c.nowFunc()(),
	}
	if existing, ok := c.prices[key]; ok {
		rec.Size = existing.Size
		rec.EventTimestamp = existing.EventTimestamp
	}
	c.install(rec)
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		fn(rec)
	}
	return true
}

// Prices returns the current snapshot map. The map must be treated as
// read-only; mutations always swap in a new map, so two calls returning the
// same reference guarantee no intervening change.
func (c *Cache) Prices() map[string]*PriceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices
}

// Get returns the record for a ticker if cached
func (c *Cache) Get(t string) (*PriceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.prices[Normalize(t)]
	return rec, ok
}

// List returns all cached records, suitable for a batch snapshot frame
func (c *Cache) List() []*PriceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*PriceRecord, 0, len(c.prices))
	for _, rec := range c.prices {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of cached tickers
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

// install swaps in a new outer map containing rec; callers hold c.mu
func (c *Cache) install(rec *PriceRecord) *PriceRecord {
	next := c.copyPrices(1)
	next[rec.Ticker] = rec
	c.prices = next
	return rec
}

// copyPrices clones the current map with headroom for extra entries; callers
// hold c.mu
func (c *Cache) copyPrices(extra int) map[string]*PriceRecord {
	next := make(map[string]*PriceRecord, len(c.prices)+extra)
	for k, v := range c.prices {
		next[k] = v
	}
	return next
}

func (c *Cache) nowFunc() func() time.Time {
	if c.now == nil {
		return time.Now
	}
	return c.now
}
