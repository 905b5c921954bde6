// Package types provides shared type definitions for the market data core.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents a candle bucket duration.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the fixed bucket duration for the timeframe.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case Timeframe1m:
		return time.Minute, nil
	case Timeframe5m:
		return 5 * time.Minute, nil
	case Timeframe15m:
		return 15 * time.Minute, nil
	case Timeframe1h:
		return time.Hour, nil
	case Timeframe4h:
		return 4 * time.Hour, nil
	case Timeframe1d:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
}

// Valid reports whether tf is one of the closed set of supported timeframes.
func (tf Timeframe) Valid() bool {
	_, err := tf.Duration()
	return err == nil
}

// BucketStart floors t to the start of the timeframe's bucket.
func BucketStart(t time.Time, tf Timeframe) (time.Time, error) {
	d, err := tf.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return t.Truncate(d), nil
}

// Channel identifies an upstream subscription channel.
type Channel string

const (
	ChannelTicker    Channel = "ticker"
	ChannelOrderBook Channel = "orderbook"
)

// Valid reports whether ch is a recognized channel.
func (ch Channel) Valid() bool {
	return ch == ChannelTicker || ch == ChannelOrderBook
}

// Ticker is the last-known state of a symbol's top-of-book summary.
type Ticker struct {
	Symbol          string          `json:"symbol"`
	Last            decimal.Decimal `json:"last"`
	Bid             decimal.Decimal `json:"bid"`
	Ask             decimal.Decimal `json:"ask"`
	Volume24h       decimal.Decimal `json:"volume24h"`
	Change24h       decimal.Decimal `json:"change24h"`
	High24h         decimal.Decimal `json:"high24h"`
	Low24h          decimal.Decimal `json:"low24h"`
	SourceTimestamp time.Time       `json:"sourceTimestamp"`
}

// OrderBookLevel is a single resting price level.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is the two-sided book snapshot for a symbol.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"` // descending by price
	Asks      []OrderBookLevel `json:"asks"` // ascending by price
	UpdatedAt time.Time        `json:"updatedAt"`
	Sequence  int64            `json:"sequence"`
}

// BestBid returns the top bid level, if any.
func (b *OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// Candle is a single OHLCV bar, keyed by (Symbol, Timeframe, BucketStart).
type Candle struct {
	Symbol          string          `json:"symbol"`
	Timeframe       Timeframe       `json:"timeframe"`
	BucketStart     time.Time       `json:"bucketStart"`
	Open            decimal.Decimal `json:"open"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Close           decimal.Decimal `json:"close"`
	Volume          decimal.Decimal `json:"volume"`
	TradeCount      int64           `json:"tradeCount"`
	SourceTimestamp time.Time       `json:"sourceTimestamp"`
}

// Fold merges a trade print into the candle in place.
func (c *Candle) Fold(price, size decimal.Decimal, at time.Time) {
	if c.TradeCount == 0 {
		c.Open = price
		c.High = price
		c.Low = price
	} else {
		if price.GreaterThan(c.High) {
			c.High = price
		}
		if price.LessThan(c.Low) {
			c.Low = price
		}
	}
	c.Close = price
	c.Volume = c.Volume.Add(size)
	c.TradeCount++
	c.SourceTimestamp = at
}

// Subscription is one entry in the Subscription Registry.
type Subscription struct {
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
	Depth   int     `json:"depth,omitempty"` // only meaningful for ChannelOrderBook
}

// Key returns the registry key for this subscription: at most one live
// entry per (channel, symbol) is held.
func (s Subscription) Key() string {
	return string(s.Channel) + ":" + s.Symbol
}

// BackfillResult is returned by the Backfill Engine on job completion.
type BackfillResult struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	CandlesImported int       `json:"candlesImported"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
}

// CacheSizes reports the number of entries held by each in-memory cache.
type CacheSizes struct {
	Tickers    int `json:"tickers"`
	OrderBooks int `json:"orderBooks"`
	QueryCache int `json:"queryCache"`
}

// HealthStatus is returned by the Query Layer's Health operation.
type HealthStatus struct {
	Status            string     `json:"status"`
	ConnectionState   string     `json:"connectionState"`
	ReconnectAttempts int64      `json:"reconnectAttempts"`
	Subscriptions     int        `json:"subscriptions"`
	CacheSizes        CacheSizes `json:"cacheSizes"`
	StoreErrors       int64      `json:"storeErrors"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Sentinel errors returned across API boundaries.
var (
	// ErrNotFound indicates a cache or store miss: the symbol/range has not
	// been observed or persisted yet.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest indicates invalid caller input (unknown channel or
	// timeframe, malformed symbol, limit out of range).
	ErrBadRequest = errors.New("bad request")
)

// BadRequestf builds an error wrapping ErrBadRequest with a formatted reason.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
