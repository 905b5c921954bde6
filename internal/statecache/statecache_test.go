package statecache

import (
	"testing"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
)

func TestUpsertAndGetTicker(t *testing.T) {
	c := New()
	_, ok := c.GetTicker("BTC/USD")
	if ok {
		t.Fatal("expected miss before any upsert")
	}

	c.UpsertTicker(types.Ticker{Symbol: "BTC/USD", Last: decimal.NewFromInt(50000)})
	got, ok := c.GetTicker("BTC/USD")
	if !ok {
		t.Fatal("expected hit after upsert")
	}
	if !got.Last.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("last = %s", got.Last)
	}
}

func TestAllTickersIsSnapshot(t *testing.T) {
	c := New()
	c.UpsertTicker(types.Ticker{Symbol: "BTC/USD"})
	c.UpsertTicker(types.Ticker{Symbol: "ETH/USD"})

	all := c.AllTickers()
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}

func TestOrderBookReplaceAndDrop(t *testing.T) {
	c := New()
	book := types.OrderBook{
		Symbol: "BTC/USD",
		Bids:   []types.OrderBookLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
		Asks:   []types.OrderBookLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}
	c.ReplaceOrderBook(book)

	got, ok := c.GetOrderBook("BTC/USD")
	if !ok || len(got.Bids) != 1 {
		t.Fatalf("GetOrderBook = %+v, %v", got, ok)
	}

	c.DropOrderBook("BTC/USD")
	if _, ok := c.GetOrderBook("BTC/USD"); ok {
		t.Fatal("expected book to be dropped")
	}
}

func TestSizes(t *testing.T) {
	c := New()
	c.UpsertTicker(types.Ticker{Symbol: "BTC/USD"})
	c.ReplaceOrderBook(types.OrderBook{Symbol: "BTC/USD"})

	tickers, books := c.Sizes()
	if tickers != 1 || books != 1 {
		t.Errorf("Sizes() = (%d, %d), want (1, 1)", tickers, books)
	}
}

func TestQueryCacheHitMissAndInvalidate(t *testing.T) {
	qc := NewQueryCache(50 * time.Millisecond)
	key := Fingerprint("BTC/USD", types.Timeframe1h, time.Unix(0, 0), time.Unix(1000, 0), 100)

	if _, ok := qc.Get(key); ok {
		t.Fatal("expected miss before Put")
	}

	qc.Put(key, "BTC/USD", types.Timeframe1h, []types.Candle{{Symbol: "BTC/USD"}})
	if _, ok := qc.Get(key); !ok {
		t.Fatal("expected hit immediately after Put")
	}

	qc.InvalidateSymbolTimeframe("BTC/USD", types.Timeframe1h)
	if _, ok := qc.Get(key); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestQueryCacheTTLExpiry(t *testing.T) {
	qc := NewQueryCache(10 * time.Millisecond)
	key := Fingerprint("ETH/USD", types.Timeframe5m, time.Time{}, time.Time{}, 10)
	qc.Put(key, "ETH/USD", types.Timeframe5m, nil)

	time.Sleep(20 * time.Millisecond)
	if _, ok := qc.Get(key); ok {
		t.Fatal("expected expiry after TTL")
	}
}
