// Package api provides the HTTP and WebSocket surface described by the
// downstream request/response and push interfaces: health, ticker/book
// reads, historical queries, backfill triggers, and subscription
// management, plus a push feed for ticker and order book changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/marketdata-core/ingester/internal/eventbus"
	"github.com/marketdata-core/ingester/internal/query"
	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP and WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	svc        *query.Service
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewServer creates a Server wired to the Query Layer and a push Hub.
func NewServer(logger *zap.Logger, config types.ServerConfig, svc *query.Service, hub *Hub) *Server {
	s := &Server{
		logger: logger,
		config: config,
		router: mux.NewRouter(),
		svc:    svc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/tickers", s.handleGetAllTickers).Methods("GET")
	s.router.HandleFunc("/api/v1/tickers/{symbol:.+}", s.handleGetTicker).Methods("GET")
	s.router.HandleFunc("/api/v1/orderbook/{symbol:.+}", s.handleGetOrderBook).Methods("GET")
	s.router.HandleFunc("/api/v1/subscribe", s.handleSubscribe).Methods("POST")
	s.router.HandleFunc("/api/v1/unsubscribe", s.handleUnsubscribe).Methods("POST")
	s.router.HandleFunc("/api/v1/history/{symbol:.+}", s.handleGetHistorical).Methods("GET")
	s.router.HandleFunc("/api/v1/backfill", s.handleBackfill).Methods("POST")
	s.router.HandleFunc("/api/v1/cache-stats", s.handleCacheStats).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the underlying mux.Router, mainly for tests that want to
// wrap it in an httptest.Server without going through Start.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrBadRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleGetAllTickers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetAllTickers())
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	ticker, err := s.svc.GetTicker(symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	book, err := s.svc.GetOrderBook(symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type subscriptionRequest struct {
	Channel types.Channel `json:"channel"`
	Symbol  string        `json:"symbol"`
	Depth   int           `json:"depth,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.BadRequestf("invalid request body"))
		return
	}
	if err := s.svc.Subscribe(req.Channel, req.Symbol, req.Depth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.BadRequestf("invalid request body"))
		return
	}
	if err := s.svc.Unsubscribe(req.Channel, req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	tf := types.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = types.Timeframe1h
	}

	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, types.BadRequestf("invalid from: %v", err))
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, types.BadRequestf("invalid to: %v", err))
			return
		}
		to = t
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, types.BadRequestf("invalid limit: %v", err))
			return
		}
		limit = n
	}

	candles, err := s.svc.GetHistorical(r.Context(), symbol, tf, from, to, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

type backfillRequest struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.BadRequestf("invalid request body"))
		return
	}
	if req.Symbol == "" {
		writeError(w, types.BadRequestf("symbol is required"))
		return
	}
	if req.To.IsZero() {
		req.To = time.Now().UTC()
	}

	result, err := s.svc.StartBackfill(r.Context(), req.Symbol, req.Timeframe, req.From, req.To)
	if err != nil && errors.Is(err, types.ErrBadRequest) {
		writeError(w, err)
		return
	}
	// Any other upstream failure is still a 200 with success:false, per
	// the operation's failure-kind contract; result already carries it.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// bridgeSubscriberID identifies the Hub's own Event Bus subscription.
const bridgeSubscriberID = "api-websocket-bridge"

// BridgeEventBus subscribes the push Hub to bus, forwarding
// TickerChanged/BookReplaced/BookChanged events onto connected WebSocket
// clients until ctx is cancelled.
func BridgeEventBus(ctx context.Context, bus *eventbus.Bus, hub *Hub) {
	bus.Subscribe(bridgeSubscriberID, func(ev eventbus.Event) {
		switch e := ev.(type) {
		case eventbus.TickerChanged:
			hub.PublishToChannel(string(types.ChannelTicker), e.Ticker.Symbol, MsgTypeTicker, e.Ticker)
		case eventbus.BookReplaced:
			hub.PublishToChannel(string(types.ChannelOrderBook), e.Book.Symbol, MsgTypeOrderBook, e.Book)
		case eventbus.BookChanged:
			hub.PublishToChannel(string(types.ChannelOrderBook), e.Book.Symbol, MsgTypeOrderBook, e.Book)
		}
	}, eventbus.SubscribeOptions{Capacity: 256, Policy: eventbus.DropPolicyDropOldest})

	go func() {
		<-ctx.Done()
		bus.Unsubscribe(bridgeSubscriberID)
	}()
}
