// Package ingest reads decoded upstream events in receive order, updates
// the State Cache, folds ticks into candle buckets, and emits canonical
// change events onto the Event Bus.
package ingest

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/marketdata-core/ingester/internal/codec"
	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/registry"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CandleSink is the write side of the OHLCV Store the pipeline seals
// completed buckets into.
type CandleSink interface {
	Upsert(ctx context.Context, candles []types.Candle) error
}

const symbolShards = 32

// Pipeline is the Ingest Pipeline: the sole mutator of State Cache entries
// and of open-bucket candles.
type Pipeline struct {
	logger     *zap.Logger
	cache      *statecache.Cache
	bus        *eventbus.Bus
	store      CandleSink
	registry   *registry.Registry
	timeframes []types.Timeframe

	locks [symbolShards]sync.Mutex

	mu         sync.Mutex
	candles    map[string]map[types.Timeframe]*types.Candle
	lastSeq    map[string]int64
	lastVolume map[string]decimal.Decimal

	storeErrors atomic.Int64
}

// New creates a Pipeline that folds ticks into candles for every timeframe
// in timeframes.
func New(logger *zap.Logger, cache *statecache.Cache, bus *eventbus.Bus, store CandleSink, reg *registry.Registry, timeframes []types.Timeframe) *Pipeline {
	return &Pipeline{
		logger:     logger,
		cache:      cache,
		bus:        bus,
		store:      store,
		registry:   reg,
		timeframes: timeframes,
		candles:    make(map[string]map[types.Timeframe]*types.Candle),
		lastSeq:    make(map[string]int64),
		lastVolume: make(map[string]decimal.Decimal),
	}
}

func shardFor(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32() % symbolShards
}

// Handle processes one decoded event. All State Cache mutations for a
// given symbol are serialized by the symbol's shard lock, so concurrent
// events for different symbols never contend.
func (p *Pipeline) Handle(ctx context.Context, ev codec.Event) {
	switch e := ev.(type) {
	case codec.TickerUpdate:
		p.withSymbolLock(e.Symbol, func() { p.handleTicker(ctx, e) })
	case codec.BookSnapshot:
		p.withSymbolLock(e.Symbol, func() { p.handleBookSnapshot(e) })
	case codec.BookDelta:
		p.withSymbolLock(e.Symbol, func() { p.handleBookDelta(e) })
	case codec.Heartbeat:
		// no cache effect
	case codec.SubscribeAck:
		if !e.Success {
			p.logger.Warn("upstream rejected subscribe control frame", zap.Int64("id", e.ID))
		}
	case codec.ErrorFrame:
		p.logger.Warn("upstream error frame", zap.String("code", e.Code), zap.String("message", e.Message))
	}
}

func (p *Pipeline) withSymbolLock(symbol string, fn func()) {
	lock := &p.locks[shardFor(symbol)]
	lock.Lock()
	defer lock.Unlock()
	fn()
}

func (p *Pipeline) handleTicker(ctx context.Context, e codec.TickerUpdate) {
	if !e.Bid.IsZero() && !e.Ask.IsZero() && !e.Last.IsZero() {
		if e.Last.LessThan(e.Bid) || e.Last.GreaterThan(e.Ask) {
			p.logger.Warn("ticker invariant violated: bid <= last <= ask does not hold",
				zap.String("symbol", e.Symbol), zap.String("bid", e.Bid.String()),
				zap.String("last", e.Last.String()), zap.String("ask", e.Ask.String()))
		}
	}

	ticker := types.Ticker{
		Symbol:          e.Symbol,
		Last:            e.Last,
		Bid:             e.Bid,
		Ask:             e.Ask,
		Volume24h:       e.Volume24h,
		Change24h:       e.Change24h,
		High24h:         e.High24h,
		Low24h:          e.Low24h,
		SourceTimestamp: e.Timestamp,
	}
	p.cache.UpsertTicker(ticker)
	p.bus.Publish(eventbus.TickerChanged{Ticker: ticker})

	p.foldCandles(ctx, e)
}

// foldCandles derives a per-tick traded volume from the change in the
// upstream's rolling 24h volume since the last tick (clamped to zero when
// the window rolls over and the counter drops) and folds it into every
// configured timeframe's open bucket.
func (p *Pipeline) foldCandles(ctx context.Context, e codec.TickerUpdate) {
	p.mu.Lock()
	bySymbol, ok := p.candles[e.Symbol]
	if !ok {
		bySymbol = make(map[types.Timeframe]*types.Candle)
		p.candles[e.Symbol] = bySymbol
	}
	prevVolume, hadPrev := p.lastVolume[e.Symbol]
	p.lastVolume[e.Symbol] = e.Volume24h
	p.mu.Unlock()

	delta := decimal.Zero
	if hadPrev {
		delta = e.Volume24h.Sub(prevVolume)
		if delta.IsNegative() {
			delta = decimal.Zero
		}
	}

	for _, tf := range p.timeframes {
		bucketStart, err := types.BucketStart(e.Timestamp, tf)
		if err != nil {
			continue
		}

		p.mu.Lock()
		current, exists := bySymbol[tf]
		var sealed *types.Candle
		if !exists {
			bySymbol[tf] = &types.Candle{Symbol: e.Symbol, Timeframe: tf, BucketStart: bucketStart}
			current = bySymbol[tf]
		} else if !current.BucketStart.Equal(bucketStart) {
			s := *current
			sealed = &s
			bySymbol[tf] = &types.Candle{Symbol: e.Symbol, Timeframe: tf, BucketStart: bucketStart}
			current = bySymbol[tf]
		}
		current.Fold(e.Last, delta, e.Timestamp)
		p.mu.Unlock()

		if sealed != nil {
			p.sealCandle(ctx, *sealed)
		}
	}
}

// sealCandle persists a closed bucket. A store failure is retried once; a
// second failure is logged and the candle is dropped — the ticker stream
// continues uninterrupted.
func (p *Pipeline) sealCandle(ctx context.Context, c types.Candle) {
	err := p.store.Upsert(ctx, []types.Candle{c})
	if err != nil {
		err = p.store.Upsert(ctx, []types.Candle{c})
	}
	if err != nil {
		p.storeErrors.Add(1)
		p.logger.Error("failed to persist sealed candle",
			zap.String("symbol", c.Symbol), zap.String("timeframe", string(c.Timeframe)), zap.Error(err))
	}
}

// StoreErrors returns the running count of failed candle persist attempts,
// surfaced by Health.
func (p *Pipeline) StoreErrors() int64 {
	return p.storeErrors.Load()
}

// FlushOpenCandles seals every currently-open candle bucket at its last
// observed price, called during Shutdown.
func (p *Pipeline) FlushOpenCandles(ctx context.Context) {
	p.mu.Lock()
	var all []types.Candle
	for _, bySymbol := range p.candles {
		for _, c := range bySymbol {
			if c.TradeCount > 0 {
				all = append(all, *c)
			}
		}
	}
	p.mu.Unlock()

	if len(all) > 0 {
		if err := p.store.Upsert(ctx, all); err != nil {
			p.storeErrors.Add(1)
			p.logger.Error("failed to flush open candles on shutdown", zap.Error(err))
		}
	}
}

func (p *Pipeline) handleBookSnapshot(e codec.BookSnapshot) {
	p.cache.ReplaceOrderBook(types.OrderBook{
		Symbol:    e.Symbol,
		Bids:      sortLevels(e.Bids, true),
		Asks:      sortLevels(e.Asks, false),
		UpdatedAt: e.Timestamp,
		Sequence:  e.Sequence,
	})

	p.mu.Lock()
	p.lastSeq[e.Symbol] = e.Sequence
	p.mu.Unlock()

	book, _ := p.cache.GetOrderBook(e.Symbol)
	p.bus.Publish(eventbus.BookReplaced{Book: book})
}

func (p *Pipeline) handleBookDelta(e codec.BookDelta) {
	p.mu.Lock()
	last, hadSnapshot := p.lastSeq[e.Symbol]
	p.mu.Unlock()

	if !hadSnapshot || e.Sequence != last+1 {
		p.logger.Warn("order book sequence gap detected, forcing snapshot refresh",
			zap.String("symbol", e.Symbol), zap.Int64("expected", last+1), zap.Int64("got", e.Sequence))
		p.cache.DropOrderBook(e.Symbol)
		p.mu.Lock()
		delete(p.lastSeq, e.Symbol)
		p.mu.Unlock()
		p.registry.Subscribe(types.Subscription{Channel: types.ChannelOrderBook, Symbol: e.Symbol})
		return
	}

	current, ok := p.cache.GetOrderBook(e.Symbol)
	if !ok {
		current = types.OrderBook{Symbol: e.Symbol}
	}

	updated := types.OrderBook{
		Symbol:    e.Symbol,
		Bids:      applyLevels(current.Bids, e.Bids, true),
		Asks:      applyLevels(current.Asks, e.Asks, false),
		UpdatedAt: e.Timestamp,
		Sequence:  e.Sequence,
	}
	p.cache.ReplaceOrderBook(updated)

	p.mu.Lock()
	p.lastSeq[e.Symbol] = e.Sequence
	p.mu.Unlock()

	p.bus.Publish(eventbus.BookChanged{Book: updated})
}

// applyLevels merges incremental updates into an existing side: a
// zero-size update removes the level, otherwise it upserts the price.
func applyLevels(current, updates []types.OrderBookLevel, descending bool) []types.OrderBookLevel {
	byPrice := make(map[string]types.OrderBookLevel, len(current))
	order := make([]string, 0, len(current))
	for _, l := range current {
		key := l.Price.String()
		if _, exists := byPrice[key]; !exists {
			order = append(order, key)
		}
		byPrice[key] = l
	}

	for _, u := range updates {
		key := u.Price.String()
		if u.Size.IsZero() {
			delete(byPrice, key)
			continue
		}
		if _, exists := byPrice[key]; !exists {
			order = append(order, key)
		}
		byPrice[key] = u
	}

	out := make([]types.OrderBookLevel, 0, len(byPrice))
	for _, key := range order {
		if l, ok := byPrice[key]; ok {
			out = append(out, l)
		}
	}
	return sortLevels(out, descending)
}

func sortLevels(levels []types.OrderBookLevel, descending bool) []types.OrderBookLevel {
	out := append([]types.OrderBookLevel(nil), levels...)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
