package metrics

import (
	"context"
	"time"
)

// Sources is the set of accessor functions RunUpdater polls. Each field is
// optional; a nil accessor is simply skipped.
type Sources struct {
	ReconnectAttempts func() int64
	StoreErrors       func() int64
	QueryCacheHits    func() int64
	QueryCacheMisses  func() int64
	BusStats          func() map[string]BusStat
}

// BusStat is one subscriber's delivered/dropped counters.
type BusStat struct {
	Delivered int64
	Dropped   int64
}

// RunUpdater polls src every interval and writes the results into c until
// ctx is cancelled.
func RunUpdater(ctx context.Context, c *Collectors, src Sources, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot(c, src)
		}
	}
}

func snapshot(c *Collectors, src Sources) {
	if src.ReconnectAttempts != nil {
		c.ReconnectAttempts.Set(float64(src.ReconnectAttempts()))
	}
	if src.StoreErrors != nil {
		c.StoreErrors.Set(float64(src.StoreErrors()))
	}
	if src.QueryCacheHits != nil {
		c.QueryCacheHits.Set(float64(src.QueryCacheHits()))
	}
	if src.QueryCacheMisses != nil {
		c.QueryCacheMisses.Set(float64(src.QueryCacheMisses()))
	}
	if src.BusStats != nil {
		for id, stat := range src.BusStats() {
			c.BusDelivered.WithLabelValues(id).Set(float64(stat.Delivered))
			c.BusDropped.WithLabelValues(id).Set(float64(stat.Dropped))
		}
	}
}
