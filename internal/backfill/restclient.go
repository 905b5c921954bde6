package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marketdata-core/ingester/internal/codec"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
)

func decimalFromString(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// HTTPRESTClient is the production RESTClient, fetching paged historical
// candles from the upstream exchange's REST API over plain net/http.
type HTTPRESTClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPRESTClient creates a client against baseURL (e.g. "https://api.example.com").
func NewHTTPRESTClient(baseURL string) *HTTPRESTClient {
	return &HTTPRESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type candleResponse struct {
	Candles []wireCandle `json:"candles"`
	HasMore bool         `json:"hasMore"`
}

type wireCandle struct {
	BucketStart time.Time `json:"bucketStart"`
	Open        string    `json:"open"`
	High        string    `json:"high"`
	Low         string    `json:"low"`
	Close       string    `json:"close"`
	Volume      string    `json:"volume"`
	TradeCount  int64     `json:"tradeCount"`
}

// FetchCandles fetches one page of historical candles for symbol/tf.
func (c *HTTPRESTClient) FetchCandles(ctx context.Context, symbol string, tf types.Timeframe, page int, pageSize int) ([]types.Candle, bool, error) {
	u := fmt.Sprintf("%s/v1/candles?%s", c.baseURL, url.Values{
		"symbol":    {symbol},
		"timeframe": {codec.FormatTimeframeMinutes(tf)},
		"page":      {strconv.Itoa(page)},
		"pageSize":  {strconv.Itoa(pageSize)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch candles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("fetch candles: upstream returned %d", resp.StatusCode)
	}

	var body candleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("decode candles: %w", err)
	}

	candles := make([]types.Candle, 0, len(body.Candles))
	for _, w := range body.Candles {
		candle, err := w.toCandle(symbol, tf)
		if err != nil {
			return nil, false, fmt.Errorf("parse candle: %w", err)
		}
		candles = append(candles, candle)
	}
	return candles, body.HasMore, nil
}

func (w wireCandle) toCandle(symbol string, tf types.Timeframe) (types.Candle, error) {
	open, err := decimalFromString(w.Open)
	if err != nil {
		return types.Candle{}, err
	}
	high, err := decimalFromString(w.High)
	if err != nil {
		return types.Candle{}, err
	}
	low, err := decimalFromString(w.Low)
	if err != nil {
		return types.Candle{}, err
	}
	closePrice, err := decimalFromString(w.Close)
	if err != nil {
		return types.Candle{}, err
	}
	volume, err := decimalFromString(w.Volume)
	if err != nil {
		return types.Candle{}, err
	}

	return types.Candle{
		Symbol:          symbol,
		Timeframe:       tf,
		BucketStart:     w.BucketStart,
		Open:            open,
		High:            high,
		Low:             low,
		Close:           closePrice,
		Volume:          volume,
		TradeCount:      w.TradeCount,
		SourceTimestamp: w.BucketStart,
	}, nil
}
