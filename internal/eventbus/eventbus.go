// Package eventbus fans out canonical market-data change events from the
// Ingest Pipeline to any number of downstream subscribers, each with its
// own bounded queue and drop policy so one slow subscriber never stalls
// the others.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/marketdata-core/ingester/pkg/types"
	"go.uber.org/zap"
)

// Event is the sealed set of canonical change events the bus carries.
// Subscribers receive entities by value, never by pointer into the cache.
type Event interface {
	isEvent()
}

// TickerChanged is emitted whenever the Ingest Pipeline mutates a
// symbol's cached ticker.
type TickerChanged struct {
	Ticker types.Ticker
}

// BookReplaced is emitted when a BookSnapshot fully replaces a book.
type BookReplaced struct {
	Book types.OrderBook
}

// BookChanged is emitted when a BookDelta is applied successfully.
type BookChanged struct {
	Book types.OrderBook
}

// BackfillCompleted is emitted once a backfill job finishes.
type BackfillCompleted struct {
	Result types.BackfillResult
}

func (TickerChanged) isEvent()     {}
func (BookReplaced) isEvent()      {}
func (BookChanged) isEvent()       {}
func (BackfillCompleted) isEvent() {}

// Handler processes one event. It is called from the subscriber's own
// dispatcher goroutine, never concurrently with itself.
type Handler func(Event)

// DropPolicy controls what Publish does when a subscriber's queue is full.
type DropPolicy = types.DropPolicy

const (
	DropPolicyBlock      = types.DropPolicyBlock
	DropPolicyDropOldest = types.DropPolicyDropOldest
	DropPolicyDropNewest = types.DropPolicyDropNewest
)

// subscriber owns one bounded queue and one dispatcher goroutine.
type subscriber struct {
	id       string
	policy   DropPolicy
	handler  Handler
	queue    chan Event
	mu       sync.Mutex // guards drop-oldest's pop-then-push
	dropped  atomic.Int64
	delivered atomic.Int64
}

// Bus is the Event Bus: a registry of subscribers plus the Publish entry
// point the Ingest Pipeline and Backfill Engine call into.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	defaultCapacity int
	defaultPolicy   DropPolicy
}

// New creates a Bus using defaultCapacity/defaultPolicy for subscribers
// that don't override them in Subscribe.
func New(logger *zap.Logger, defaultCapacity int, defaultPolicy DropPolicy) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:          logger,
		subscribers:     make(map[string]*subscriber),
		ctx:             ctx,
		cancel:          cancel,
		defaultCapacity: defaultCapacity,
		defaultPolicy:   defaultPolicy,
	}
}

// SubscribeOptions overrides the bus defaults for one subscriber.
type SubscribeOptions struct {
	Capacity int
	Policy   DropPolicy
}

// Subscribe registers handler under id and starts its dispatcher
// goroutine. Calling Subscribe twice with the same id replaces the prior
// subscriber: Publish no longer feeds its old queue, and its dispatcher
// goroutine keeps handling whatever was already queued until Shutdown.
func (b *Bus) Subscribe(id string, handler Handler, opts SubscribeOptions) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = b.defaultCapacity
	}
	policy := opts.Policy
	if policy == "" {
		policy = b.defaultPolicy
	}

	sub := &subscriber{
		id:      id,
		policy:  policy,
		handler: handler,
		queue:   make(chan Event, capacity),
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub)
}

// Unsubscribe stops id's dispatcher goroutine and removes it from the bus.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// Publish delivers ev to every subscriber independently, honoring each
// subscriber's own drop policy. Publish never blocks on a block-policy
// subscriber's queue beyond bus shutdown: a cancelled bus drops silently.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.publishTo(s, ev)
	}
}

func (b *Bus) publishTo(s *subscriber, ev Event) {
	switch s.policy {
	case DropPolicyBlock:
		select {
		case s.queue <- ev:
		case <-b.ctx.Done():
		}
	case DropPolicyDropNewest:
		select {
		case s.queue <- ev:
		default:
			s.dropped.Add(1)
		}
	default: // DropPolicyDropOldest
		s.mu.Lock()
		for {
			select {
			case s.queue <- ev:
				s.mu.Unlock()
				return
			default:
				select {
				case <-s.queue:
					s.dropped.Add(1)
				default:
				}
			}
		}
	}
}

func (b *Bus) dispatch(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			b.safeHandle(s, ev)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) safeHandle(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event bus subscriber panicked",
				zap.String("subscriber", s.id),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
	s.delivered.Add(1)
}

// Stats reports per-subscriber delivered/dropped counters, for health and
// metrics export.
type Stats struct {
	Delivered int64
	Dropped   int64
}

// StatsFor returns the current counters for id.
func (b *Bus) StatsFor(id string) (Stats, bool) {
	b.mu.RLock()
	s, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{Delivered: s.delivered.Load(), Dropped: s.dropped.Load()}, true
}

// Shutdown stops every dispatcher goroutine and waits for them to exit.
func (b *Bus) Shutdown() {
	b.cancel()
	b.wg.Wait()
}
