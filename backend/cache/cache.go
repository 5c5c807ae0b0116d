// Package cache holds the gateway's most-recent-value store for
// tickers and order books, plus the opaque blob store backing the
// symbol catalog. Grounded on the teacher's cache package shape
// (backend/cache/cache.go defines the Cache interface and TTL/
// namespace constants; backend/cache/memory.go and
// backend/cache/redis.go are the two backends) but specialized: the
// hot ticker/order-book path uses typed maps instead of the teacher's
// interface{} LRU, since the gateway needs O(1) expected-time
// last-writer-wins reads and writes with no eviction policy, not a
// byte-budgeted cache.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

// TTL constants for blob-store entries, in the teacher's TTL_* style.
const (
	TTLSymbolCatalog  = 1 * time.Hour
	TTLCandleResponse = 30 * time.Second
)

// Blob-store namespaces, in the teacher's NS_* style.
const (
	NSSymbols = "symbols"
	NSCandles = "candles"
)

func tickerKey(venue model.VenueId, market model.MarketKind, symbol model.Symbol) string {
	return fmt.Sprintf("%s:%s:%s", venue, market, symbol.Canonical())
}

// Cache is the concurrent, most-recent-value store: one map for
// tickers, one for order-book snapshots, last-writer-wins, O(1)
// expected time, no eviction.
type Cache struct {
	tickersMu sync.RWMutex
	tickers   map[string]model.Ticker

	booksMu sync.RWMutex
	books   map[string]model.OrderBookSnapshot

	Blobs BlobStore
}

// New creates a cache using blobs as the catalog's blob-store backend.
// A nil blobs falls back to an in-process map.
func New(blobs BlobStore) *Cache {
	if blobs == nil {
		blobs = NewMemoryBlobStore()
	}
	return &Cache{
		tickers: make(map[string]model.Ticker),
		books:   make(map[string]model.OrderBookSnapshot),
		Blobs:   blobs,
	}
}

// SetTicker stores t, replacing any prior ticker for the same
// (venue, market, symbol).
func (c *Cache) SetTicker(t model.Ticker) {
	k := tickerKey(t.Venue, t.Market, t.Symbol)
	c.tickersMu.Lock()
	c.tickers[k] = t
	c.tickersMu.Unlock()
}

// GetTicker returns the most recent ticker for the tuple, if any.
func (c *Cache) GetTicker(venue model.VenueId, market model.MarketKind, symbol model.Symbol) (model.Ticker, bool) {
	c.tickersMu.RLock()
	defer c.tickersMu.RUnlock()
	t, ok := c.tickers[tickerKey(venue, market, symbol)]
	return t, ok
}

// SetOrderBook stores snap, superseding any prior snapshot for the
// same (venue, market, symbol).
func (c *Cache) SetOrderBook(snap model.OrderBookSnapshot) {
	k := tickerKey(snap.Venue, snap.Market, snap.Symbol)
	c.booksMu.Lock()
	c.books[k] = snap
	c.booksMu.Unlock()
}

// GetOrderBook returns the most recent order-book snapshot, if any.
func (c *Cache) GetOrderBook(venue model.VenueId, market model.MarketKind, symbol model.Symbol) (model.OrderBookSnapshot, bool) {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	b, ok := c.books[tickerKey(venue, market, symbol)]
	return b, ok
}

// ApplyDelta mutates the cached snapshot for the delta's tuple:
// upserts replace or insert matching-price levels, then any level
// whose resulting quantity is zero, or whose price appears in
// Deletes, is removed. Returns false if there is no prior snapshot to
// apply against — the caller should request a fresh snapshot instead.
func (c *Cache) ApplyDelta(delta model.OrderBookDelta) (model.OrderBookSnapshot, bool) {
	k := tickerKey(delta.Venue, delta.Market, delta.Symbol)

	c.booksMu.Lock()
	defer c.booksMu.Unlock()

	snap, ok := c.books[k]
	if !ok {
		return model.OrderBookSnapshot{}, false
	}

	snap.Bids = mergeLevels(snap.Bids, delta.BidUpserts, delta.Deletes, true)
	snap.Asks = mergeLevels(snap.Asks, delta.AskUpserts, delta.Deletes, false)
	snap.Timestamp = delta.Timestamp
	c.books[k] = snap
	return snap, true
}

// mergeLevels applies upserts on top of levels, drops zero-quantity or
// explicitly deleted prices, and returns the side re-sorted:
// descending for bids, ascending for asks.
func mergeLevels(levels, upserts []model.PriceLevel, deletes []decimal.Decimal, desc bool) []model.PriceLevel {
	byPrice := make(map[string]model.PriceLevel, len(levels)+len(upserts))
	for _, l := range levels {
		byPrice[l.Price.String()] = l
	}
	for _, u := range upserts {
		byPrice[u.Price.String()] = u
	}
	for _, d := range deletes {
		delete(byPrice, d.String())
	}

	out := make([]model.PriceLevel, 0, len(byPrice))
	for _, l := range byPrice {
		if l.Quantity.IsZero() {
			continue
		}
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
