// Package main provides the entry point for the market data core service:
// an upstream WebSocket ingester, ticker/order-book cache, OHLCV
// persistence, a bounded backfill engine, and a query + push API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketdata-core/ingester/internal/api"
	"github.com/marketdata-core/ingester/internal/backfill"
	"github.com/marketdata-core/ingester/internal/codec"
	"github.com/marketdata-core/ingester/internal/config"
	"github.com/marketdata-core/ingester/internal/connection"
	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/ingest"
	"github.com/marketdata-core/ingester/internal/metrics"
	"github.com/marketdata-core/ingester/internal/query"
	"github.com/marketdata-core/ingester/internal/registry"
	"github.com/marketdata-core/ingester/internal/statecache"
	"github.com/marketdata-core/ingester/internal/store"
	"github.com/marketdata-core/ingester/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to config YAML (optional)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	useMemoryStore := flag.Bool("memory-store", false, "Use the in-memory OHLCV store instead of Postgres")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting market data core",
		zap.String("upstream", cfg.Upstream.WSURL),
		zap.String("http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeframes := []types.Timeframe{
		types.Timeframe1m, types.Timeframe5m, types.Timeframe15m,
		types.Timeframe1h, types.Timeframe4h, types.Timeframe1d,
	}

	var ohlcvStore store.OHLCVStore
	if *useMemoryStore {
		ohlcvStore = store.NewMemoryStore()
	} else {
		pgStore, err := store.NewPostgresStore(cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to ohlcv store", zap.Error(err))
		}
		ohlcvStore = pgStore
	}

	cache := statecache.New()
	queryCache := statecache.NewQueryCache(cfg.QueryCache.TTL)
	reg := registry.New()
	bus := eventbus.New(logger, cfg.Bus.DefaultCapacity, cfg.Bus.Policy)

	for _, sub := range cfg.DefaultSubscriptions {
		reg.Subscribe(sub)
	}

	pipeline := ingest.New(logger, cache, bus, ohlcvStore, reg, timeframes)

	c := codec.New()
	connMgr := connection.New(
		logger,
		connection.WebsocketDialer{},
		c,
		reg,
		cfg.Upstream.WSURL,
		cfg.Reconnect,
		cfg.Heartbeat,
		func(ev codec.Event) { pipeline.Handle(ctx, ev) },
	)
	reg.SetNotifier(connMgr)

	restClient := backfill.NewHTTPRESTClient(cfg.Upstream.RESTURL)
	backfillEngine := backfill.New(logger, restClient, ohlcvStore, queryCache, bus, cfg.Backfill)

	svc := query.New(logger, cache, queryCache, ohlcvStore, reg, backfillEngine, pipeline, connMgr)

	hub := api.NewHub(logger)
	go hub.Run()
	api.BridgeEventBus(ctx, bus, hub)

	apiServer := api.NewServer(logger, cfg.Server, svc, hub)

	collectors, metricsHandler := metrics.New()
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	busSubscriberIDs := []string{"api-websocket-bridge"}
	busStats := func() map[string]metrics.BusStat {
		out := make(map[string]metrics.BusStat, len(busSubscriberIDs))
		for _, id := range busSubscriberIDs {
			if s, ok := bus.StatsFor(id); ok {
				out[id] = metrics.BusStat{Delivered: s.Delivered, Dropped: s.Dropped}
			}
		}
		return out
	}

	go metrics.RunUpdater(ctx, collectors, metrics.Sources{
		ReconnectAttempts: func() int64 { return connMgr.ReconnectAttempts() },
		StoreErrors:       pipeline.StoreErrors,
		QueryCacheHits:    svc.CacheHits,
		QueryCacheMisses:  svc.CacheMisses,
		BusStats:          busStats,
	}, 10*time.Second)

	go connMgr.Start(ctx)

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("market data core started",
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics", fmt.Sprintf("http://%s:%d/metrics", cfg.Server.Host, cfg.Server.MetricsPort)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	connMgr.Shutdown()
	pipeline.FlushOpenCandles(context.Background())
	bus.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("error during api server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during metrics server shutdown", zap.Error(err))
	}
	if err := ohlcvStore.Close(); err != nil {
		logger.Error("error closing ohlcv store", zap.Error(err))
	}

	logger.Info("market data core stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
