package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/marketdata-core/ingester/internal/codec"
	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/registry"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeSink struct {
	upserted [][]types.Candle
}

func (f *fakeSink) Upsert(ctx context.Context, candles []types.Candle) error {
	f.upserted = append(f.upserted, candles)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestPipeline() (*Pipeline, *statecache.Cache, *fakeSink, *registry.Registry) {
	cache := statecache.New()
	bus := eventbus.New(zap.NewNop(), 16, eventbus.DropPolicyDropOldest)
	sink := &fakeSink{}
	reg := registry.New()
	p := New(zap.NewNop(), cache, bus, sink, reg, []types.Timeframe{types.Timeframe1m})
	return p, cache, sink, reg
}

func TestTickerWarmupUpdatesCacheAndFoldsCandle(t *testing.T) {
	p, cache, _, _ := newTestPipeline()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ticks := []struct {
		price string
		at    time.Time
	}{
		{"50000", base},
		{"50100", base.Add(10 * time.Second)},
		{"49950", base.Add(20 * time.Second)},
	}

	for _, tick := range ticks {
		p.Handle(ctx, codec.TickerUpdate{
			Symbol:    "BTC/USD",
			Last:      dec(tick.price),
			Bid:       dec(tick.price),
			Ask:       dec(tick.price),
			Volume24h: decimal.Zero,
			Timestamp: tick.at,
		})
	}

	ticker, ok := cache.GetTicker("BTC/USD")
	if !ok {
		t.Fatal("expected ticker to be cached")
	}
	if !ticker.Last.Equal(dec("49950")) {
		t.Fatalf("last = %s, want 49950", ticker.Last)
	}

	p.mu.Lock()
	candle := *p.candles["BTC/USD"][types.Timeframe1m]
	p.mu.Unlock()

	if !candle.Open.Equal(dec("50000")) {
		t.Errorf("open = %s, want 50000", candle.Open)
	}
	if !candle.High.Equal(dec("50100")) {
		t.Errorf("high = %s, want 50100", candle.High)
	}
	if !candle.Low.Equal(dec("49950")) {
		t.Errorf("low = %s, want 49950", candle.Low)
	}
	if !candle.Close.Equal(dec("49950")) {
		t.Errorf("close = %s, want 49950", candle.Close)
	}
	if candle.TradeCount != 3 {
		t.Errorf("tradeCount = %d, want 3", candle.TradeCount)
	}
}

func TestCrossingBucketBoundarySealsPriorCandle(t *testing.T) {
	p, _, sink, _ := newTestPipeline()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

	p.Handle(ctx, codec.TickerUpdate{Symbol: "BTC/USD", Last: dec("100"), Timestamp: base})
	p.Handle(ctx, codec.TickerUpdate{Symbol: "BTC/USD", Last: dec("110"), Timestamp: base.Add(time.Minute)})

	if len(sink.upserted) != 1 {
		t.Fatalf("expected exactly one sealed candle, got %d", len(sink.upserted))
	}
	sealed := sink.upserted[0][0]
	if !sealed.Close.Equal(dec("100")) {
		t.Errorf("sealed close = %s, want 100", sealed.Close)
	}
}

func TestBookSnapshotThenInOrderDeltaApplies(t *testing.T) {
	p, cache, _, _ := newTestPipeline()
	ctx := context.Background()

	p.Handle(ctx, codec.BookSnapshot{
		Symbol:   "BTC/USD",
		Bids:     []types.OrderBookLevel{{Price: dec("100"), Size: dec("1")}},
		Asks:     []types.OrderBookLevel{{Price: dec("101"), Size: dec("1")}},
		Sequence: 100,
	})
	p.Handle(ctx, codec.BookDelta{
		Symbol:   "BTC/USD",
		Bids:     []types.OrderBookLevel{{Price: dec("99"), Size: dec("2")}},
		Sequence: 101,
	})

	book, ok := cache.GetOrderBook("BTC/USD")
	if !ok {
		t.Fatal("expected book to be cached")
	}
	if len(book.Bids) != 2 {
		t.Fatalf("expected 2 bid levels after delta, got %d", len(book.Bids))
	}
	if book.Sequence != 101 {
		t.Fatalf("sequence = %d, want 101", book.Sequence)
	}
}

func TestBookSequenceGapDropsBookAndForcesResubscribe(t *testing.T) {
	p, cache, _, reg := newTestPipeline()
	ctx := context.Background()

	p.Handle(ctx, codec.BookSnapshot{
		Symbol:   "BTC/USD",
		Bids:     []types.OrderBookLevel{{Price: dec("100"), Size: dec("1")}},
		Asks:     []types.OrderBookLevel{{Price: dec("101"), Size: dec("1")}},
		Sequence: 100,
	})

	// Skips 101: a gap.
	p.Handle(ctx, codec.BookDelta{
		Symbol:   "BTC/USD",
		Bids:     []types.OrderBookLevel{{Price: dec("99"), Size: dec("2")}},
		Sequence: 102,
	})

	if _, ok := cache.GetOrderBook("BTC/USD"); ok {
		t.Fatal("expected book to be dropped after a sequence gap")
	}
	if !reg.Has(types.ChannelOrderBook, "BTC/USD") {
		t.Fatal("expected a resubscribe to be registered after the gap")
	}
}

func TestHeartbeatAndControlFramesAreNoops(t *testing.T) {
	p, cache, _, _ := newTestPipeline()
	ctx := context.Background()

	p.Handle(ctx, codec.Heartbeat{Timestamp: time.Now()})
	p.Handle(ctx, codec.SubscribeAck{ID: 1, Success: true})
	p.Handle(ctx, codec.ErrorFrame{Code: "rate_limited", Message: "slow down"})

	tickers, books := cache.Sizes()
	if tickers != 0 || books != 0 {
		t.Fatalf("expected no cache effect from control frames, got tickers=%d books=%d", tickers, books)
	}
}

func TestFlushOpenCandlesPersistsUnsealedBucket(t *testing.T) {
	p, _, sink, _ := newTestPipeline()
	ctx := context.Background()

	p.Handle(ctx, codec.TickerUpdate{Symbol: "BTC/USD", Last: dec("100"), Timestamp: time.Now()})
	p.FlushOpenCandles(ctx)

	if len(sink.upserted) != 1 {
		t.Fatalf("expected flush to persist the open candle, got %d batches", len(sink.upserted))
	}
}
