// Package codec translates upstream wire frames into typed events and
// renders outbound control frames. It is the single place that knows the
// upstream's JSON field layout; nothing past Decode sees a raw map.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/marketdata-core/ingester/pkg/utils"
	"github.com/shopspring/decimal"
)

// Event is the sealed set of things Decode can produce. Every concrete
// type below implements it; a type switch on Event is exhaustive.
type Event interface {
	isEvent()
}

// TickerUpdate carries a fresh ticker frame.
type TickerUpdate struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
	Change24h decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Timestamp time.Time
}

// BookSnapshot replaces the book for Symbol wholesale.
type BookSnapshot struct {
	Symbol    string
	Bids      []types.OrderBookLevel
	Asks      []types.OrderBookLevel
	Sequence  int64
	Timestamp time.Time
}

// BookDelta applies incremental level changes to Symbol's book.
type BookDelta struct {
	Symbol    string
	Bids      []types.OrderBookLevel
	Asks      []types.OrderBookLevel
	Sequence  int64
	Timestamp time.Time
}

// Heartbeat is an upstream liveness frame with no cache effect.
type Heartbeat struct {
	Timestamp time.Time
}

// SubscribeAck acknowledges a previously sent subscribe/unsubscribe frame.
type SubscribeAck struct {
	ID      int64
	Success bool
}

// ErrorFrame is an upstream-reported protocol or application error.
type ErrorFrame struct {
	Code    string
	Message string
}

func (TickerUpdate) isEvent() {}
func (BookSnapshot) isEvent() {}
func (BookDelta) isEvent()    {}
func (Heartbeat) isEvent()    {}
func (SubscribeAck) isEvent() {}
func (ErrorFrame) isEvent()   {}

// Codec decodes upstream frames and encodes outbound control frames. It
// holds the fallback sequence counters used when the upstream omits a
// sequence number on a book frame, and a monotonic request-id counter for
// outbound control frames.
type Codec struct {
	mu          sync.Mutex
	fallbackSeq map[string]int64
	nextID      int64
}

// New creates a ready-to-use Codec.
func New() *Codec {
	return &Codec{fallbackSeq: make(map[string]int64)}
}

// wireFrame is the shape common to every inbound frame; unknown fields are
// ignored, and the specific handlers re-parse the raw payload for their
// own fields.
type wireFrame struct {
	Event     string          `json:"e"`
	Symbol    string          `json:"s"`
	Timestamp int64           `json:"E"`
	Sequence  *int64          `json:"seq"`
	Last      string          `json:"c"`
	Bid       string          `json:"b"`
	Ask       string          `json:"a"`
	Volume    string          `json:"v"`
	Change    string          `json:"p"`
	High      string          `json:"h"`
	Low       string          `json:"l"`
	Bids      json.RawMessage `json:"bids"`
	Asks      json.RawMessage `json:"asks"`
	ID        int64           `json:"id"`
	Success   bool            `json:"success"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

// Decode parses one upstream text frame into a typed Event.
func (c *Codec) Decode(frame []byte) (Event, error) {
	var w wireFrame
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	ts := time.UnixMilli(w.Timestamp)
	if w.Timestamp == 0 {
		ts = time.Now().UTC()
	}

	switch w.Event {
	case "ticker":
		return c.decodeTicker(w, ts)
	case "book_snapshot":
		return c.decodeBook(w, ts, true)
	case "book_delta":
		return c.decodeBook(w, ts, false)
	case "heartbeat":
		return Heartbeat{Timestamp: ts}, nil
	case "ack":
		return SubscribeAck{ID: w.ID, Success: w.Success}, nil
	case "error":
		return ErrorFrame{Code: w.Code, Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("unknown frame event %q", w.Event)
	}
}

func (c *Codec) decodeTicker(w wireFrame, ts time.Time) (Event, error) {
	if w.Symbol == "" {
		return nil, fmt.Errorf("ticker frame missing symbol")
	}
	last, _ := decimal.NewFromString(w.Last)
	bid, _ := decimal.NewFromString(w.Bid)
	ask, _ := decimal.NewFromString(w.Ask)
	vol, _ := decimal.NewFromString(w.Volume)
	chg, _ := decimal.NewFromString(w.Change)
	high, _ := decimal.NewFromString(w.High)
	low, _ := decimal.NewFromString(w.Low)

	return TickerUpdate{
		Symbol:    utils.FormatSymbol(w.Symbol),
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		Volume24h: vol,
		Change24h: chg,
		High24h:   high,
		Low24h:    low,
		Timestamp: ts,
	}, nil
}

func (c *Codec) decodeBook(w wireFrame, ts time.Time, snapshot bool) (Event, error) {
	if w.Symbol == "" {
		return nil, fmt.Errorf("book frame missing symbol")
	}
	symbol := utils.FormatSymbol(w.Symbol)

	bids, err := decodeLevels(w.Bids)
	if err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	asks, err := decodeLevels(w.Asks)
	if err != nil {
		return nil, fmt.Errorf("decode asks: %w", err)
	}

	seq := c.sequenceFor(symbol, w.Sequence)

	if snapshot {
		return BookSnapshot{Symbol: symbol, Bids: bids, Asks: asks, Sequence: seq, Timestamp: ts}, nil
	}
	return BookDelta{Symbol: symbol, Bids: bids, Asks: asks, Sequence: seq, Timestamp: ts}, nil
}

// sequenceFor returns the upstream-provided sequence number, or assigns
// one from the codec's own receive order if the upstream omitted it. A
// wrap of the fallback counter is treated as a reset to 1.
func (c *Codec) sequenceFor(symbol string, upstream *int64) int64 {
	if upstream != nil {
		return *upstream
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.fallbackSeq[symbol] + 1
	if next <= 0 {
		next = 1
	}
	c.fallbackSeq[symbol] = next
	return next
}

func decodeLevels(raw json.RawMessage) ([]types.OrderBookLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var pairs [][2]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, err
	}
	levels := make([]types.OrderBookLevel, 0, len(pairs))
	for _, p := range pairs {
		price, err := decimal.NewFromString(p[0])
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", p[0], err)
		}
		size, err := decimal.NewFromString(p[1])
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", p[1], err)
		}
		levels = append(levels, types.OrderBookLevel{Price: price, Size: size})
	}
	return levels, nil
}

// controlFrame is the outbound subscribe/unsubscribe/ping envelope.
type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id,omitempty"`
	Op     string   `json:"op,omitempty"`
}

// EncodeSubscribe renders a subscribe control frame for one channel across
// one or more canonical symbols.
func (c *Codec) EncodeSubscribe(channel types.Channel, symbols ...string) ([]byte, error) {
	return c.encodeControl("SUBSCRIBE", channel, symbols)
}

// EncodeUnsubscribe renders an unsubscribe control frame.
func (c *Codec) EncodeUnsubscribe(channel types.Channel, symbols ...string) ([]byte, error) {
	return c.encodeControl("UNSUBSCRIBE", channel, symbols)
}

func (c *Codec) encodeControl(method string, channel types.Channel, symbols []string) ([]byte, error) {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, string(channel)+"."+utils.ExchangeNative(s))
	}
	frame := controlFrame{
		Method: method,
		Params: params,
		ID:     atomic.AddInt64(&c.nextID, 1),
	}
	return json.Marshal(frame)
}

// EncodePing renders the service's own liveness ping, independent of any
// heartbeat frame the upstream sends on its own cadence.
func (c *Codec) EncodePing() ([]byte, error) {
	return json.Marshal(controlFrame{Op: "ping"})
}

// ParseTimeframeMinutes converts a Timeframe to the integer-minutes form
// the upstream REST backfill endpoint expects.
func ParseTimeframeMinutes(tf types.Timeframe) (int, error) {
	d, err := tf.Duration()
	if err != nil {
		return 0, err
	}
	return int(d / time.Minute), nil
}

// FormatTimeframeMinutes returns ParseTimeframeMinutes' value as a decimal
// string ("0" for an unknown timeframe), used when rendering backfill
// request query parameters.
func FormatTimeframeMinutes(tf types.Timeframe) string {
	d, _ := tf.Duration()
	return strconv.Itoa(int(d / time.Minute))
}
