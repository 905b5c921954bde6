package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"
)

func TestHTTPRESTClientFetchCandles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTC/USD" || q.Get("timeframe") != "60" {
			t.Errorf("unexpected query: %v", q)
		}
		_ = json.NewEncoder(w).Encode(candleResponse{
			Candles: []wireCandle{
				{BucketStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Open: "100", High: "110", Low: "95", Close: "105", Volume: "12.5", TradeCount: 4},
			},
			HasMore: true,
		})
	}))
	defer ts.Close()

	client := NewHTTPRESTClient(ts.URL)
	candles, hasMore, err := client.FetchCandles(context.Background(), "BTC/USD", types.Timeframe1h, 0, 500)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if !hasMore {
		t.Error("expected hasMore true")
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	if candles[0].Symbol != "BTC/USD" || !candles[0].Close.Equal(decimal.RequireFromString("105")) {
		t.Errorf("unexpected candle: %+v", candles[0])
	}
	if candles[0].TradeCount != 4 {
		t.Errorf("tradeCount = %d, want 4", candles[0].TradeCount)
	}
}

func TestHTTPRESTClientUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewHTTPRESTClient(ts.URL)
	_, _, err := client.FetchCandles(context.Background(), "BTC/USD", types.Timeframe1h, 0, 500)
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}
