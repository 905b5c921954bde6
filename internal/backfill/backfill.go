// Package backfill fetches historical OHLCV candles from the upstream
// REST API, paged and rate-limited, to fill gaps the WebSocket feed
// cannot supply retroactively.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/internal/store"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/marketdata-core/ingester/pkg/utils"
	"go.uber.org/zap"
)

const pageSize = 500

// RESTClient is the upstream historical-candle endpoint. hasMore reports
// whether a subsequent page would return additional candles.
type RESTClient interface {
	FetchCandles(ctx context.Context, symbol string, tf types.Timeframe, page int, pageSize int) (candles []types.Candle, hasMore bool, err error)
}

// Engine is the Backfill Engine: one job runs at a time per
// (symbol, timeframe) pair, rate-limited and retried against the
// upstream REST API.
type Engine struct {
	logger     *zap.Logger
	client     RESTClient
	store      store.OHLCVStore
	queryCache *statecache.QueryCache
	bus        *eventbus.Bus
	limiter    *limiter
	retries    int
	pageTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an Engine from cfg's rate limit, retry count, and per-page
// timeout.
func New(logger *zap.Logger, client RESTClient, st store.OHLCVStore, queryCache *statecache.QueryCache, bus *eventbus.Bus, cfg types.BackfillConfig) *Engine {
	return &Engine{
		logger:      logger,
		client:      client,
		store:       st,
		queryCache:  queryCache,
		bus:         bus,
		limiter:     newLimiter(cfg.RateLimitPerSec),
		retries:     cfg.Retries,
		pageTimeout: cfg.PageTimeout,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(symbol string, tf types.Timeframe) *sync.Mutex {
	key := symbol + "|" + string(tf)
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Run fetches and persists every candle for symbol/timeframe in [from, to),
// page by page, stopping early if ctx is cancelled between pages. A job
// already running for the same (symbol, timeframe) is serialized behind
// the pair's lock rather than run concurrently.
func (e *Engine) Run(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) (types.BackfillResult, error) {
	if !tf.Valid() {
		return types.BackfillResult{}, types.BadRequestf("invalid timeframe %q", tf)
	}

	lock := e.lockFor(symbol, tf)
	lock.Lock()
	defer lock.Unlock()

	imported := 0
	page := 0

	for {
		if err := ctx.Err(); err != nil {
			return types.BackfillResult{
				Success: false, Message: "cancelled", CandlesImported: imported, From: from, To: to,
			}, err
		}

		candles, hasMore, err := e.fetchPageWithRetry(ctx, symbol, tf, page)
		if err != nil {
			return types.BackfillResult{
				Success: false, Message: err.Error(), CandlesImported: imported, From: from, To: to,
			}, err
		}

		inRange := inWindow(candles, from, to)
		if len(inRange) > 0 {
			if err := e.store.Upsert(ctx, inRange); err != nil {
				return types.BackfillResult{
					Success: false, Message: err.Error(), CandlesImported: imported, From: from, To: to,
				}, fmt.Errorf("persist backfilled candles: %w", err)
			}
			imported += len(inRange)
		}

		if !hasMore || pastWindow(candles, to) {
			break
		}
		page++
	}

	e.queryCache.InvalidateSymbolTimeframe(symbol, tf)

	result := types.BackfillResult{Success: true, Message: "ok", CandlesImported: imported, From: from, To: to}
	e.bus.Publish(eventbus.BackfillCompleted{Result: result})
	return result, nil
}

type pageResult struct {
	candles []types.Candle
	hasMore bool
}

func (e *Engine) fetchPageWithRetry(ctx context.Context, symbol string, tf types.Timeframe, pageNum int) ([]types.Candle, bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("rate limit wait: %w", err)
	}

	pageCtx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()

	cfg := utils.DefaultRetryConfig()
	cfg.MaxAttempts = e.retries

	result, err := utils.Retry(pageCtx, cfg, func() (pageResult, error) {
		candles, hasMore, err := e.client.FetchCandles(pageCtx, symbol, tf, pageNum, pageSize)
		return pageResult{candles: candles, hasMore: hasMore}, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch candle page %d for %s/%s: %w", pageNum, symbol, tf, err)
	}
	return result.candles, result.hasMore, nil
}

func inWindow(candles []types.Candle, from, to time.Time) []types.Candle {
	out := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.BucketStart.Before(from) && c.BucketStart.Before(to) {
			out = append(out, c)
		}
	}
	return out
}

func pastWindow(candles []types.Candle, to time.Time) bool {
	if len(candles) == 0 {
		return false
	}
	last := candles[len(candles)-1]
	return !last.BucketStart.Before(to)
}
