// Package api — this file implements the push surface's WebSocket hub:
// register/unregister/broadcast channels, a per-client bounded send
// channel, and ping/pong keepalive, generalized from client/order/trade
// push events to market-data push events (market:ticker, market:orderbook,
// subscribed, unsubscribed).
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marketdata-core/ingester/pkg/types"
	"go.uber.org/zap"
)

// MessageType names a push message kind.
type MessageType string

const (
	// Server -> client
	MsgTypeTicker     MessageType = "market:ticker"
	MsgTypeOrderBook  MessageType = "market:orderbook"
	MsgTypeSubscribed MessageType = "subscribed"
	MsgTypeUnsubbed   MessageType = "unsubscribed"
	MsgTypeError      MessageType = "error"
	MsgTypeHeartbeat  MessageType = "heartbeat"

	// Client -> server
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// WSMessage is a push-surface message in either direction.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one WebSocket connection. Its subscriptions are a push-side
// filter only: they select which market:ticker/market:orderbook events
// this client receives and do not affect the Connection Manager's own
// upstream subscriptions (managed separately via the Subscribe/Unsubscribe
// HTTP operations).
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	mu            sync.RWMutex
	subscriptions map[string]bool
}

// Hub owns every connected Client and the channel:symbol subscription
// index used to route pushes without broadcasting to everyone.
type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

// NewHub creates a push Hub. Run must be started in its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes registrations, unregistrations and heartbeats; it never
// returns. Message
// delivery itself happens directly through PublishToChannel, not through
// this loop, so a slow Hub.Run never delays a push.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for key := range client.subscriptions {
					if clients, ok := h.channels[key]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.channels, key)
						}
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("id", client.id))

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) sendHeartbeat() {
	msg := WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// subscriptionKey composes the per-channel index key. An empty symbol
// subscribes to every symbol on the channel.
func subscriptionKey(channel, symbol string) string {
	if symbol == "" {
		return channel
	}
	return channel + ":" + symbol
}

func (h *Hub) subscribe(client *Client, channel, symbol string) {
	key := subscriptionKey(channel, symbol)

	h.mu.Lock()
	if h.channels[key] == nil {
		h.channels[key] = make(map[*Client]bool)
	}
	h.channels[key][client] = true
	h.mu.Unlock()

	client.mu.Lock()
	client.subscriptions[key] = true
	client.mu.Unlock()
}

func (h *Hub) unsubscribe(client *Client, channel, symbol string) {
	key := subscriptionKey(channel, symbol)

	h.mu.Lock()
	if clients, ok := h.channels[key]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, key)
		}
	}
	h.mu.Unlock()

	client.mu.Lock()
	delete(client.subscriptions, key)
	client.mu.Unlock()
}

// PublishToChannel pushes data to clients subscribed to channel for symbol
// and to clients subscribed to channel with no symbol filter.
func (h *Hub) PublishToChannel(channel, symbol string, msgType MessageType, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal push data", zap.Error(err))
		return
	}
	msg := WSMessage{Type: msgType, Channel: channel, Symbol: symbol, Data: dataBytes, Timestamp: time.Now().UnixMilli()}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal push message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool)
	for _, key := range []string{subscriptionKey(channel, symbol), subscriptionKey(channel, "")} {
		for client := range h.channels[key] {
			if seen[client] {
				continue
			}
			seen[client] = true
			select {
			case client.send <- msgBytes:
			default:
				h.logger.Warn("client send buffer full, dropping push", zap.String("client", client.id))
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a Client bound to an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            uuid.New().String(),
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump reads client frames until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg WSMessage) {
	switch msg.Type {
	case MsgTypeSubscribe:
		if !types.Channel(msg.Channel).Valid() {
			c.sendError(types.BadRequestf("unknown channel %q", msg.Channel))
			return
		}
		c.hub.subscribe(c, msg.Channel, msg.Symbol)
		c.reply(WSMessage{Type: MsgTypeSubscribed, Channel: msg.Channel, Symbol: msg.Symbol, Timestamp: time.Now().UnixMilli()})

	case MsgTypeUnsubscribe:
		if !types.Channel(msg.Channel).Valid() {
			c.sendError(types.BadRequestf("unknown channel %q", msg.Channel))
			return
		}
		c.hub.unsubscribe(c, msg.Channel, msg.Symbol)
		c.reply(WSMessage{Type: MsgTypeUnsubbed, Channel: msg.Channel, Symbol: msg.Symbol, Timestamp: time.Now().UnixMilli()})

	default:
		c.sendError(types.BadRequestf("unknown message type %q", msg.Type))
	}
}

func (c *Client) sendError(err error) {
	c.reply(WSMessage{Type: MsgTypeError, Error: err.Error(), Timestamp: time.Now().UnixMilli()})
}

func (c *Client) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// WritePump drains c.send to the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
