// Package statecache holds the in-memory last-known ticker and order book
// per symbol, sharded by symbol so one busy symbol never blocks reads or
// writes for another.
package statecache

import (
	"hash/fnv"
	"sync"

	"github.com/marketdata-core/ingester/pkg/types"
)

const shardCount = 32

type tickerShard struct {
	mu      sync.RWMutex
	tickers map[string]*types.Ticker
}

type bookShard struct {
	mu    sync.RWMutex
	books map[string]*types.OrderBook
}

// Cache is the symbol-sharded State Cache described by the Ingest Pipeline
// as its sole mutator.
type Cache struct {
	tickerShards [shardCount]*tickerShard
	bookShards   [shardCount]*bookShard
}

// New creates an empty, ready-to-use Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.tickerShards {
		c.tickerShards[i] = &tickerShard{tickers: make(map[string]*types.Ticker)}
	}
	for i := range c.bookShards {
		c.bookShards[i] = &bookShard{books: make(map[string]*types.OrderBook)}
	}
	return c
}

func shardIndex(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32() % shardCount
}

func (c *Cache) tickerShardFor(symbol string) *tickerShard {
	return c.tickerShards[shardIndex(symbol)]
}

func (c *Cache) bookShardFor(symbol string) *bookShard {
	return c.bookShards[shardIndex(symbol)]
}

// GetTicker returns the last-known ticker for symbol.
func (c *Cache) GetTicker(symbol string) (types.Ticker, bool) {
	shard := c.tickerShardFor(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	t, ok := shard.tickers[symbol]
	if !ok {
		return types.Ticker{}, false
	}
	return *t, true
}

// AllTickers returns a snapshot copy of every cached ticker.
func (c *Cache) AllTickers() []types.Ticker {
	out := make([]types.Ticker, 0)
	for _, shard := range c.tickerShards {
		shard.mu.RLock()
		for _, t := range shard.tickers {
			out = append(out, *t)
		}
		shard.mu.RUnlock()
	}
	return out
}

// UpsertTicker creates the ticker on first sight or mutates it in place.
// Invariant bid ≤ last ≤ ask is checked by the caller (Ingest Pipeline),
// which logs violations but still applies last-write-wins within a frame.
func (c *Cache) UpsertTicker(t types.Ticker) {
	shard := c.tickerShardFor(t.Symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.tickers[t.Symbol] = &t
}

// GetOrderBook returns the last-known book for symbol.
func (c *Cache) GetOrderBook(symbol string) (types.OrderBook, bool) {
	shard := c.bookShardFor(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	b, ok := shard.books[symbol]
	if !ok {
		return types.OrderBook{}, false
	}
	return *b, true
}

// ReplaceOrderBook installs b as the entire book state for its symbol,
// used on a BookSnapshot event and to store the merged book after a
// BookDelta.
func (c *Cache) ReplaceOrderBook(b types.OrderBook) {
	shard := c.bookShardFor(b.Symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.books[b.Symbol] = &b
}

// DropOrderBook discards cached book state for symbol, used when a
// sequence gap is detected and the book must be reinitialized from a
// fresh snapshot.
func (c *Cache) DropOrderBook(symbol string) {
	shard := c.bookShardFor(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.books, symbol)
}

// Sizes reports the number of entries held by the ticker and book maps,
// for the Query Layer's CacheStats/Health operations.
func (c *Cache) Sizes() (tickers, books int) {
	for _, shard := range c.tickerShards {
		shard.mu.RLock()
		tickers += len(shard.tickers)
		shard.mu.RUnlock()
	}
	for _, shard := range c.bookShards {
		shard.mu.RLock()
		books += len(shard.books)
		shard.mu.RUnlock()
	}
	return tickers, books
}
