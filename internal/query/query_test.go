package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marketdata-core/ingester/internal/backfill"
	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/ingest"
	"github.com/marketdata-core/ingester/internal/registry"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/internal/store"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeConn struct {
	state      string
	reconnects int64
}

func (f fakeConn) StateString() string       { return f.state }
func (f fakeConn) ReconnectAttempts() int64  { return f.reconnects }

func newTestService(t *testing.T) (*Service, *statecache.Cache, store.OHLCVStore) {
	t.Helper()
	cache := statecache.New()
	qc := statecache.NewQueryCache(time.Minute)
	st := store.NewMemoryStore()
	reg := registry.New()
	bus := eventbus.New(zap.NewNop(), 8, eventbus.DropPolicyDropOldest)
	t.Cleanup(bus.Shutdown)
	bf := backfill.New(zap.NewNop(), nil, st, qc, bus, types.BackfillConfig{RateLimitPerSec: 10, Retries: 1, PageTimeout: time.Second})
	pipeline := ingest.New(zap.NewNop(), cache, bus, st, reg, []types.Timeframe{types.Timeframe1m})

	svc := New(zap.NewNop(), cache, qc, st, reg, bf, pipeline, fakeConn{state: "connected"})
	return svc, cache, st
}

func TestGetTickerMissReturnsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetTicker("BTC/USD")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTickerHit(t *testing.T) {
	svc, cache, _ := newTestService(t)
	cache.UpsertTicker(types.Ticker{Symbol: "BTC/USD", Last: decimal.NewFromInt(100)})

	ticker, err := svc.GetTicker("BTC/USD")
	if err != nil {
		t.Fatal(err)
	}
	if !ticker.Last.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("last = %s, want 100", ticker.Last)
	}
}

func TestGetHistoricalCachesResult(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := types.Candle{Symbol: "BTC/USD", Timeframe: types.Timeframe1m, BucketStart: start}
	c.Fold(decimal.NewFromInt(100), decimal.NewFromInt(1), start)
	if err := st.Upsert(ctx, []types.Candle{c}); err != nil {
		t.Fatal(err)
	}

	from, to := start, start.Add(time.Hour)
	first, err := svc.GetHistorical(ctx, "BTC/USD", types.Timeframe1m, from, to, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(first))
	}

	// Mutate the store directly; a cached query must still return the
	// stale result until invalidated.
	c2 := types.Candle{Symbol: "BTC/USD", Timeframe: types.Timeframe1m, BucketStart: start.Add(time.Minute)}
	c2.Fold(decimal.NewFromInt(200), decimal.NewFromInt(1), start.Add(time.Minute))
	if err := st.Upsert(ctx, []types.Candle{c2}); err != nil {
		t.Fatal(err)
	}

	second, err := svc.GetHistorical(ctx, "BTC/USD", types.Timeframe1m, from, to, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("expected cached result with 1 candle, got %d", len(second))
	}
}

func TestGetHistoricalRejectsInvalidRange(t *testing.T) {
	svc, _, _ := newTestService(t)
	now := time.Now()
	_, err := svc.GetHistorical(context.Background(), "BTC/USD", types.Timeframe1m, now, now, 0)
	if !errors.Is(err, types.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestGetHistoricalRejectsNegativeLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	now := time.Now()
	_, err := svc.GetHistorical(context.Background(), "BTC/USD", types.Timeframe1m, now, now.Add(time.Hour), -1)
	if !errors.Is(err, types.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestGetHistoricalDefaultsOmittedLimit(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var candles []types.Candle
	for i := 0; i < defaultHistoricalLimit+10; i++ {
		c := types.Candle{Symbol: "BTC/USD", Timeframe: types.Timeframe1m, BucketStart: start.Add(time.Duration(i) * time.Minute)}
		c.Fold(decimal.NewFromInt(100), decimal.NewFromInt(1), start.Add(time.Duration(i)*time.Minute))
		candles = append(candles, c)
	}
	if err := st.Upsert(ctx, candles); err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetHistorical(ctx, "BTC/USD", types.Timeframe1m, start, start.Add(24*time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != defaultHistoricalLimit {
		t.Fatalf("expected %d candles with an omitted limit, got %d", defaultHistoricalLimit, len(got))
	}
}

func TestGetHistoricalClampsLimitAboveCap(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var candles []types.Candle
	for i := 0; i < maxHistoricalLimit+10; i++ {
		c := types.Candle{Symbol: "BTC/USD", Timeframe: types.Timeframe1m, BucketStart: start.Add(time.Duration(i) * time.Minute)}
		c.Fold(decimal.NewFromInt(100), decimal.NewFromInt(1), start.Add(time.Duration(i)*time.Minute))
		candles = append(candles, c)
	}
	if err := st.Upsert(ctx, candles); err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetHistorical(ctx, "BTC/USD", types.Timeframe1m, start, start.Add(48*time.Hour), maxHistoricalLimit+500)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != maxHistoricalLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxHistoricalLimit, len(got))
	}
}

func TestSubscribeRejectsUnknownChannel(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Subscribe(types.Channel("bogus"), "BTC/USD", 0)
	if !errors.Is(err, types.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestSubscribeThenHealthReflectsSubscriptionCount(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.Subscribe(types.ChannelTicker, "btc-usd", 0); err != nil {
		t.Fatal(err)
	}

	health := svc.Health()
	if health.Subscriptions != 1 {
		t.Fatalf("subscriptions = %d, want 1", health.Subscriptions)
	}
	if health.Status != "healthy" {
		t.Fatalf("status = %s, want healthy", health.Status)
	}
	if health.ConnectionState != "connected" {
		t.Fatalf("connectionState = %s, want connected", health.ConnectionState)
	}
}
