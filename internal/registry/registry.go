// Package registry holds the authoritative set of active subscriptions,
// independent of connection state.
package registry

import (
	"sync"

	"github.com/marketdata-core/ingester/pkg/types"
)

// Notifier is implemented by the Connection Manager: the registry signals
// it immediately when a subscription changes while connected.
type Notifier interface {
	SendSubscribe(sub types.Subscription)
	SendUnsubscribe(sub types.Subscription)
}

// Registry is the single writer, many-reader set of (channel, symbol)
// subscriptions the service intends to hold open.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]types.Subscription

	notifierMu sync.RWMutex
	notifier   Notifier
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{subs: make(map[string]types.Subscription)}
}

// SetNotifier wires the Connection Manager that should be told about
// subscription changes taking effect immediately (i.e. while connected).
// Safe to call before or after Subscribe/Unsubscribe calls.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifierMu.Lock()
	r.notifier = n
	r.notifierMu.Unlock()
}

// Subscribe idempotently adds (channel, symbol[, depth]) to the set and
// signals the notifier to send a subscribe frame immediately.
func (r *Registry) Subscribe(sub types.Subscription) {
	r.mu.Lock()
	r.subs[sub.Key()] = sub
	r.mu.Unlock()

	r.notifierMu.RLock()
	n := r.notifier
	r.notifierMu.RUnlock()
	if n != nil {
		n.SendSubscribe(sub)
	}
}

// Unsubscribe removes (channel, symbol) from the set and signals an
// unsubscribe frame. Any cached state for the symbol is left untouched —
// purging the State Cache is not this component's responsibility.
func (r *Registry) Unsubscribe(channel types.Channel, symbol string) {
	key := types.Subscription{Channel: channel, Symbol: symbol}.Key()

	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.notifierMu.RLock()
	n := r.notifier
	r.notifierMu.RUnlock()
	if n != nil {
		n.SendUnsubscribe(sub)
	}
}

// Has reports whether (channel, symbol) is currently registered.
func (r *Registry) Has(channel types.Channel, symbol string) bool {
	key := types.Subscription{Channel: channel, Symbol: symbol}.Key()
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[key]
	return ok
}

// Snapshot returns a point-in-time copy of every active subscription, for
// the Connection Manager's resubscribe pass on every reconnect.
func (r *Registry) Snapshot() []types.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
