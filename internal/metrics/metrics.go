// Package metrics exports Prometheus collectors for the service's internal
// health signals: reconnects, event bus drops, store errors, backfill
// REST calls, and query cache hit/miss.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every metric the service publishes. ReconnectAttempts,
// StoreErrors, QueryCacheHits/Misses, and BusDelivered/Dropped are gauges
// rather than counters: their values are snapshots read from components
// that already track their own running totals, set periodically by
// RunUpdater rather than incremented in place.
type Collectors struct {
	ReconnectAttempts prometheus.Gauge
	BusDropped        *prometheus.GaugeVec
	BusDelivered      *prometheus.GaugeVec
	StoreErrors       prometheus.Gauge
	BackfillRequests  *prometheus.CounterVec
	QueryCacheHits    prometheus.Gauge
	QueryCacheMisses  prometheus.Gauge
}

// New registers every collector against a fresh registry and returns both
// the collectors and an http.Handler serving them.
func New() (*Collectors, http.Handler) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collectors{
		ReconnectAttempts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mktdata",
			Name:      "reconnect_attempts",
			Help:      "Cumulative number of upstream reconnect attempts since startup.",
		}),
		BusDropped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mktdata",
			Name:      "eventbus_dropped",
			Help:      "Total number of events dropped per subscriber.",
		}, []string{"subscriber"}),
		BusDelivered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mktdata",
			Name:      "eventbus_delivered",
			Help:      "Total number of events delivered per subscriber.",
		}, []string{"subscriber"}),
		StoreErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mktdata",
			Name:      "store_errors",
			Help:      "Total number of failed candle persist attempts.",
		}),
		BackfillRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mktdata",
			Name:      "backfill_rest_calls_total",
			Help:      "Total number of backfill REST page fetches, by outcome.",
		}, []string{"outcome"}),
		QueryCacheHits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mktdata",
			Name:      "query_cache_hits",
			Help:      "Total number of historical query cache hits.",
		}),
		QueryCacheMisses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mktdata",
			Name:      "query_cache_misses",
			Help:      "Total number of historical query cache misses.",
		}),
	}

	return c, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
