package backfill

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/internal/store"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeClient struct {
	calls      atomic.Int64
	pages      [][]types.Candle
	failFirstN int
}

func (f *fakeClient) FetchCandles(ctx context.Context, symbol string, tf types.Timeframe, page int, size int) ([]types.Candle, bool, error) {
	n := f.calls.Add(1)
	if int(n) <= f.failFirstN {
		return nil, false, errors.New("upstream temporarily unavailable")
	}
	if page >= len(f.pages) {
		return nil, false, nil
	}
	return f.pages[page], page < len(f.pages)-1, nil
}

func testConfig() types.BackfillConfig {
	return types.BackfillConfig{RateLimitPerSec: 1000, Retries: 5, PageTimeout: time.Second}
}

func makeCandle(symbol string, start time.Time) types.Candle {
	c := types.Candle{Symbol: symbol, Timeframe: types.Timeframe1m, BucketStart: start}
	c.Fold(decimal.NewFromInt(100), decimal.NewFromInt(1), start)
	return c
}

func TestRunPersistsAllPagesAndInvalidatesCache(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: [][]types.Candle{
		{makeCandle("BTC/USD", base), makeCandle("BTC/USD", base.Add(time.Minute))},
		{makeCandle("BTC/USD", base.Add(2 * time.Minute))},
	}}

	st := store.NewMemoryStore()
	qc := statecache.NewQueryCache(time.Minute)
	qc.Put("k", "BTC/USD", types.Timeframe1m, []types.Candle{makeCandle("BTC/USD", base)})
	bus := eventbus.New(zap.NewNop(), 8, eventbus.DropPolicyDropOldest)
	defer bus.Shutdown()

	engine := New(zap.NewNop(), client, st, qc, bus, testConfig())

	result, err := engine.Run(context.Background(), "BTC/USD", types.Timeframe1m, base, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.CandlesImported != 3 {
		t.Fatalf("CandlesImported = %d, want 3", result.CandlesImported)
	}

	if _, ok := qc.Get("k"); ok {
		t.Fatal("expected query cache entry to be invalidated after a successful backfill")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{
		failFirstN: 2,
		pages:      [][]types.Candle{{makeCandle("BTC/USD", base)}},
	}

	st := store.NewMemoryStore()
	qc := statecache.NewQueryCache(time.Minute)
	bus := eventbus.New(zap.NewNop(), 8, eventbus.DropPolicyDropOldest)
	defer bus.Shutdown()

	engine := New(zap.NewNop(), client, st, qc, bus, testConfig())

	result, err := engine.Run(context.Background(), "BTC/USD", types.Timeframe1m, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Run returned error after retries should have recovered: %v", err)
	}
	if result.CandlesImported != 1 {
		t.Fatalf("CandlesImported = %d, want 1", result.CandlesImported)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{pages: [][]types.Candle{
		{makeCandle("BTC/USD", base)},
		{makeCandle("BTC/USD", base.Add(time.Minute))},
	}}

	st := store.NewMemoryStore()
	qc := statecache.NewQueryCache(time.Minute)
	bus := eventbus.New(zap.NewNop(), 8, eventbus.DropPolicyDropOldest)
	defer bus.Shutdown()

	engine := New(zap.NewNop(), client, st, qc, bus, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, "BTC/USD", types.Timeframe1m, base, base.Add(10*time.Minute))
	if err == nil {
		t.Fatal("expected Run to return an error for an already-cancelled context")
	}
}

func TestRunRejectsInvalidTimeframe(t *testing.T) {
	st := store.NewMemoryStore()
	qc := statecache.NewQueryCache(time.Minute)
	bus := eventbus.New(zap.NewNop(), 8, eventbus.DropPolicyDropOldest)
	defer bus.Shutdown()

	engine := New(zap.NewNop(), &fakeClient{}, st, qc, bus, testConfig())

	_, err := engine.Run(context.Background(), "BTC/USD", types.Timeframe("3m"), time.Now(), time.Now())
	if !errors.Is(err, types.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}
