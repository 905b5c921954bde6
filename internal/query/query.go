// Package query implements the read/control surface the HTTP and push
// layers call into: cached reads, historical queries, backfill triggers,
// and subscription management.
package query

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marketdata-core/ingester/internal/backfill"
	"github.com/marketdata-core/ingester/internal/ingest"
	"github.com/marketdata-core/ingester/internal/registry"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/internal/store"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/marketdata-core/ingester/pkg/utils"
	"go.uber.org/zap"
)

// ConnectionStatus is the subset of the Connection Manager the Query Layer
// reads for Health, kept as an interface so api/server tests can use a
// fake instead of a real Manager.
type ConnectionStatus interface {
	StateString() string
	ReconnectAttempts() int64
}

// Service is the Query Layer.
type Service struct {
	logger     *zap.Logger
	cache      *statecache.Cache
	queryCache *statecache.QueryCache
	store      store.OHLCVStore
	registry   *registry.Registry
	backfill   *backfill.Engine
	pipeline   *ingest.Pipeline
	conn       ConnectionStatus

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// New creates a Query Layer wired to every component it reads from or
// delegates to.
func New(logger *zap.Logger, cache *statecache.Cache, queryCache *statecache.QueryCache, st store.OHLCVStore, reg *registry.Registry, bf *backfill.Engine, pipeline *ingest.Pipeline, conn ConnectionStatus) *Service {
	return &Service{
		logger:     logger,
		cache:      cache,
		queryCache: queryCache,
		store:      st,
		registry:   reg,
		backfill:   bf,
		pipeline:   pipeline,
		conn:       conn,
	}
}

// GetTicker returns the last-known ticker for symbol.
func (s *Service) GetTicker(symbol string) (types.Ticker, error) {
	t, ok := s.cache.GetTicker(symbol)
	if !ok {
		return types.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, types.ErrNotFound)
	}
	return t, nil
}

// GetAllTickers returns every cached ticker.
func (s *Service) GetAllTickers() []types.Ticker {
	return s.cache.AllTickers()
}

// GetOrderBook returns the last-known book for symbol.
func (s *Service) GetOrderBook(symbol string) (types.OrderBook, error) {
	b, ok := s.cache.GetOrderBook(symbol)
	if !ok {
		return types.OrderBook{}, fmt.Errorf("order book %s: %w", symbol, types.ErrNotFound)
	}
	return b, nil
}

// defaultHistoricalLimit and maxHistoricalLimit bound GetHistorical's limit
// parameter: an omitted (zero) limit is filled in with the default, and
// anything above the cap is clamped down to it.
const (
	defaultHistoricalLimit = 100
	maxHistoricalLimit     = 1000
)

// GetHistorical returns candles for symbol/timeframe within [from, to),
// serving from the query cache when the exact query has been answered
// recently.
func (s *Service) GetHistorical(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Candle, error) {
	if !tf.Valid() {
		return nil, types.BadRequestf("invalid timeframe %q", tf)
	}
	if !to.After(from) {
		return nil, types.BadRequestf("to must be after from")
	}
	if limit < 0 {
		return nil, types.BadRequestf("limit must not be negative")
	}
	switch {
	case limit == 0:
		limit = defaultHistoricalLimit
	case limit > maxHistoricalLimit:
		limit = maxHistoricalLimit
	}

	key := statecache.Fingerprint(symbol, tf, from, to, limit)
	if cached, ok := s.queryCache.Get(key); ok {
		s.cacheHits.Add(1)
		return cached, nil
	}
	s.cacheMisses.Add(1)

	candles, err := s.store.Query(ctx, symbol, tf, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query historical candles: %w", err)
	}

	s.queryCache.Put(key, symbol, tf, candles)
	return candles, nil
}

// CacheHits returns the number of historical queries served from the query
// cache since startup, for metrics.RunUpdater.
func (s *Service) CacheHits() int64 {
	return s.cacheHits.Load()
}

// CacheMisses returns the number of historical queries that fell through to
// the store since startup, for metrics.RunUpdater.
func (s *Service) CacheMisses() int64 {
	return s.cacheMisses.Load()
}

// StartBackfill runs a backfill job to completion and returns its result.
// Callers that want a fire-and-forget job should run this in their own
// goroutine; the Query Layer itself never detaches work silently.
func (s *Service) StartBackfill(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) (types.BackfillResult, error) {
	return s.backfill.Run(ctx, symbol, tf, from, to)
}

// Subscribe validates and registers a new subscription, taking effect
// immediately if the upstream connection is live.
func (s *Service) Subscribe(channel types.Channel, symbol string, depth int) error {
	if !channel.Valid() {
		return types.BadRequestf("unknown channel %q", channel)
	}
	if symbol == "" {
		return types.BadRequestf("symbol is required")
	}
	s.registry.Subscribe(types.Subscription{Channel: channel, Symbol: utils.FormatSymbol(symbol), Depth: depth})
	return nil
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(channel types.Channel, symbol string) error {
	if !channel.Valid() {
		return types.BadRequestf("unknown channel %q", channel)
	}
	s.registry.Unsubscribe(channel, utils.FormatSymbol(symbol))
	return nil
}

// CacheStats reports the number of entries held by each in-memory cache.
func (s *Service) CacheStats() types.CacheSizes {
	tickers, books := s.cache.Sizes()
	return types.CacheSizes{Tickers: tickers, OrderBooks: books, QueryCache: s.queryCache.Size()}
}

// Health reports overall service health for the /health endpoint.
func (s *Service) Health() types.HealthStatus {
	status := "healthy"
	connState := "unknown"
	var reconnects int64

	if s.conn != nil {
		connState = s.conn.StateString()
		reconnects = s.conn.ReconnectAttempts()
		if connState != "connected" {
			status = "degraded"
		}
	}

	return types.HealthStatus{
		Status:            status,
		ConnectionState:   connState,
		ReconnectAttempts: reconnects,
		Subscriptions:     s.registry.Count(),
		CacheSizes:        s.CacheStats(),
		StoreErrors:       s.pipeline.StoreErrors(),
		Timestamp:         time.Now().UTC(),
	}
}
