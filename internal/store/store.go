// Package store persists sealed OHLCV candles and serves historical range
// queries.
package store

import (
	"context"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
)

// OHLCVStore is the write/read surface the Ingest Pipeline, Backfill
// Engine, and Query Layer depend on.
type OHLCVStore interface {
	// Upsert writes candles idempotently: a (symbol, timeframe, bucketStart)
	// already on record is overwritten in place, never duplicated.
	Upsert(ctx context.Context, candles []types.Candle) error
	// Query returns candles for symbol/timeframe within [from, to), oldest
	// first, capped at limit (0 means no cap).
	Query(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Candle, error)
	// Close releases any resources held by the store.
	Close() error
}
