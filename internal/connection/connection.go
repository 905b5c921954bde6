// Package connection owns the upstream WebSocket lifecycle: connect,
// heartbeat, reconnect with backoff, and resubscribing from the
// Subscription Registry on every reconnect.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketdata-core/ingester/internal/codec"
	"github.com/marketdata-core/ingester/internal/registry"
	"github.com/marketdata-core/ingester/pkg/types"
	"go.uber.org/zap"
)

// State is one of the five Connection Manager states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the subset of *websocket.Conn the manager needs; a real
// gorilla/websocket connection satisfies it directly.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Transport to url. websocket.DefaultDialer, wrapped by
// WebsocketDialer in dialer.go, is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// EventHandler receives every decoded event in receive order.
type EventHandler func(codec.Event)

// Manager drives the upstream connection state machine described by the
// system's reconnect design: exactly one live connection or a scheduled
// backoff wait, ever.
type Manager struct {
	logger   *zap.Logger
	dialer   Dialer
	codec    *codec.Codec
	registry *registry.Registry
	url      string
	reconnect types.ReconnectConfig
	heartbeat types.HeartbeatConfig
	onEvent  EventHandler

	stateMu sync.RWMutex
	state   State

	// attempts drives the next backoff delay and resets to 0 on every
	// successful connect. lifetimeAttempts never resets: it is the
	// cumulative count Health reports.
	attempts         atomic.Int64
	lifetimeAttempts atomic.Int64

	transportMu sync.Mutex
	transport   Transport

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager. onEvent is invoked from the manager's own read
// goroutine, in the order frames are received.
func New(logger *zap.Logger, dialer Dialer, c *codec.Codec, reg *registry.Registry, url string, reconnect types.ReconnectConfig, heartbeat types.HeartbeatConfig, onEvent EventHandler) *Manager {
	m := &Manager{
		logger:    logger,
		dialer:    dialer,
		codec:     c,
		registry:  reg,
		url:       url,
		reconnect: reconnect,
		heartbeat: heartbeat,
		onEvent:   onEvent,
		state:     Disconnected,
		done:      make(chan struct{}),
	}
	reg.SetNotifier(m)
	return m
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// ReconnectAttempts returns the cumulative number of reconnect attempts
// made since startup, for the Query Layer's Health operation. Unlike the
// backoff counter, this never resets on a successful reconnect.
func (m *Manager) ReconnectAttempts() int64 {
	return m.lifetimeAttempts.Load()
}

// StateString returns the current state's name, for the Query Layer's
// Health operation.
func (m *Manager) StateString() string {
	return m.State().String()
}

// Start runs the state machine loop until ctx is cancelled or Shutdown is
// called. It returns once the manager has reached Closed.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	defer close(m.done)

	for {
		switch m.State() {
		case Disconnected:
			m.setState(Connecting)
		case Connecting:
			if m.ctx.Err() != nil {
				m.setState(Closed)
				continue
			}
			if err := m.connectOnce(); err != nil {
				m.logger.Warn("connect failed", zap.Error(err))
				m.setState(Reconnecting)
				continue
			}
			m.attempts.Store(0)
			m.setState(Connected)
		case Connected:
			m.resubscribeAll()
			m.runConnected() // blocks until transport error/heartbeat miss/ctx done
			if m.ctx.Err() != nil {
				m.setState(Closed)
				continue
			}
			m.setState(Reconnecting)
		case Reconnecting:
			attempt := m.attempts.Add(1)
			m.lifetimeAttempts.Add(1)
			delay := backoff(m.reconnect.BaseDelay, m.reconnect.CapDelay, attempt)
			select {
			case <-time.After(delay):
				m.setState(Disconnected)
			case <-m.ctx.Done():
				m.setState(Closed)
			}
		case Closed:
			m.closeTransport()
			return
		}
	}
}

// Shutdown transitions the manager to Closed, closes the socket, and
// waits for the run loop to exit.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func backoff(base, cap time.Duration, attempt int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := int64(1); i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		d = cap
	}
	return d
}

func (m *Manager) connectOnce() error {
	t, err := m.dialer.Dial(m.ctx, m.url)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	m.transportMu.Lock()
	m.transport = t
	m.transportMu.Unlock()
	return nil
}

func (m *Manager) closeTransport() {
	m.transportMu.Lock()
	defer m.transportMu.Unlock()
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
}

// resubscribeAll sends one subscribe frame per Registry entry, in a single
// pass, before accepting any further subscription changes.
func (m *Manager) resubscribeAll() {
	for _, sub := range m.registry.Snapshot() {
		m.sendControl(func(c *codec.Codec) ([]byte, error) {
			return c.EncodeSubscribe(sub.Channel, sub.Symbol)
		})
	}
}

// SendSubscribe implements registry.Notifier: send immediately if Connected.
func (m *Manager) SendSubscribe(sub types.Subscription) {
	if m.State() != Connected {
		return
	}
	m.sendControl(func(c *codec.Codec) ([]byte, error) {
		return c.EncodeSubscribe(sub.Channel, sub.Symbol)
	})
}

// SendUnsubscribe implements registry.Notifier: send immediately if Connected.
func (m *Manager) SendUnsubscribe(sub types.Subscription) {
	if m.State() != Connected {
		return
	}
	m.sendControl(func(c *codec.Codec) ([]byte, error) {
		return c.EncodeUnsubscribe(sub.Channel, sub.Symbol)
	})
}

func (m *Manager) sendControl(encode func(*codec.Codec) ([]byte, error)) {
	frame, err := encode(m.codec)
	if err != nil {
		m.logger.Error("encode control frame", zap.Error(err))
		return
	}
	m.transportMu.Lock()
	t := m.transport
	m.transportMu.Unlock()
	if t == nil {
		return
	}
	if err := t.WriteMessage(1 /* websocket.TextMessage */, frame); err != nil {
		m.logger.Warn("write control frame", zap.Error(err))
	}
}

// runConnected owns the read loop and heartbeat timer while Connected. It
// returns when the transport errors, the heartbeat is missed, or ctx is
// cancelled.
func (m *Manager) runConnected() {
	m.transportMu.Lock()
	t := m.transport
	m.transportMu.Unlock()
	if t == nil {
		return
	}

	lastFrame := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	stopReader := make(chan struct{})

	go func() {
		for {
			select {
			case <-stopReader:
				return
			default:
			}
			_ = t.SetReadDeadline(time.Now().Add(m.heartbeat.Interval * time.Duration(m.heartbeat.MissMultiplier)))
			_, data, err := t.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
			select {
			case lastFrame <- struct{}{}:
			default:
			}
			ev, decErr := m.codec.Decode(data)
			if decErr != nil {
				m.logger.Debug("decode error", zap.Error(decErr))
				continue
			}
			if m.onEvent != nil {
				m.onEvent(ev)
			}
		}
	}()
	defer close(stopReader)

	pingTicker := time.NewTicker(m.heartbeat.Interval)
	defer pingTicker.Stop()

	missDeadline := time.NewTimer(m.heartbeat.Interval * time.Duration(m.heartbeat.MissMultiplier))
	defer missDeadline.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case err := <-readErr:
			m.logger.Warn("transport read error", zap.Error(err))
			return
		case <-lastFrame:
			if !missDeadline.Stop() {
				select {
				case <-missDeadline.C:
				default:
				}
			}
			missDeadline.Reset(m.heartbeat.Interval * time.Duration(m.heartbeat.MissMultiplier))
		case <-missDeadline.C:
			m.logger.Warn("heartbeat missed")
			return
		case <-pingTicker.C:
			ping, err := m.codec.EncodePing()
			if err == nil {
				m.transportMu.Lock()
				tr := m.transport
				m.transportMu.Unlock()
				if tr != nil {
					_ = tr.WriteMessage(1, ping)
				}
			}
		}
	}
}
