package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
)

// MemoryStore is an in-memory OHLCVStore, used in tests and as a
// development fallback when no Postgres is configured.
type MemoryStore struct {
	mu      sync.Mutex
	candles map[string]types.Candle // keyed by symbol|timeframe|bucketStart
}

// NewMemoryStore creates an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{candles: make(map[string]types.Candle)}
}

func candleKey(symbol string, tf types.Timeframe, bucketStart time.Time) string {
	return symbol + "|" + string(tf) + "|" + bucketStart.UTC().Format(time.RFC3339Nano)
}

// Upsert writes candles idempotently, overwriting any existing entry for
// the same (symbol, timeframe, bucketStart).
func (m *MemoryStore) Upsert(ctx context.Context, candles []types.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		m.candles[candleKey(c.Symbol, c.Timeframe, c.BucketStart)] = c
	}
	return nil
}

// Query returns candles for symbol/timeframe within [from, to), oldest
// first, capped at limit when limit > 0.
func (m *MemoryStore) Query(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Candle
	for _, c := range m.candles {
		if c.Symbol != symbol || c.Timeframe != tf {
			continue
		}
		if c.BucketStart.Before(from) || !c.BucketStart.Before(to) {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error { return nil }
