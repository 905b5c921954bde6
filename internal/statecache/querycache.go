package statecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
)

// QueryCacheEntry is a single cached historical-query result.
type QueryCacheEntry struct {
	Candles    []types.Candle
	InsertedAt time.Time
}

// QueryCache is a short-TTL cache of GetHistorical results, keyed by a
// fingerprint of the query arguments. A parallel index tracks which keys
// belong to each (symbol, timeframe) so a bulk insert can invalidate every
// cached range it touches without needing to invert the hash.
type QueryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]QueryCacheEntry
	byRange map[string]map[string]struct{} // "symbol|timeframe" -> set of keys
}

// NewQueryCache creates a QueryCache with the given TTL.
func NewQueryCache(ttl time.Duration) *QueryCache {
	return &QueryCache{
		ttl:     ttl,
		entries: make(map[string]QueryCacheEntry),
		byRange: make(map[string]map[string]struct{}),
	}
}

// Fingerprint builds the canonical cache key for a historical query.
func Fingerprint(symbol string, tf types.Timeframe, from, to time.Time, limit int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d", symbol, tf, from.UnixNano(), to.UnixNano(), limit)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key if present and not expired.
func (q *QueryCache) Get(key string) ([]types.Candle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.InsertedAt) > q.ttl {
		delete(q.entries, key)
		return nil, false
	}
	return e.Candles, true
}

// Put stores a result for key, created on a query miss, and indexes it
// under (symbol, timeframe) for later invalidation.
func (q *QueryCache) Put(key, symbol string, tf types.Timeframe, candles []types.Candle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[key] = QueryCacheEntry{Candles: candles, InsertedAt: time.Now()}

	rangeKey := symbol + "|" + string(tf)
	set, ok := q.byRange[rangeKey]
	if !ok {
		set = make(map[string]struct{})
		q.byRange[rangeKey] = set
	}
	set[key] = struct{}{}
}

// InvalidateSymbolTimeframe evicts every entry cached for (symbol,
// timeframe), called by the Backfill Engine on a successful bulk insert
// touching that range.
func (q *QueryCache) InvalidateSymbolTimeframe(symbol string, tf types.Timeframe) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rangeKey := symbol + "|" + string(tf)
	for key := range q.byRange[rangeKey] {
		delete(q.entries, key)
	}
	delete(q.byRange, rangeKey)
}

// Size returns the number of cached entries, for CacheStats.
func (q *QueryCache) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
