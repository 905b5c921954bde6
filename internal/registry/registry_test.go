package registry

import (
	"testing"

	"github.com/marketdata-core/ingester/pkg/types"
)

type fakeNotifier struct {
	subscribed   []types.Subscription
	unsubscribed []types.Subscription
}

func (f *fakeNotifier) SendSubscribe(sub types.Subscription)   { f.subscribed = append(f.subscribed, sub) }
func (f *fakeNotifier) SendUnsubscribe(sub types.Subscription) { f.unsubscribed = append(f.unsubscribed, sub) }

func TestSubscribeIdempotent(t *testing.T) {
	r := New()
	sub := types.Subscription{Channel: types.ChannelTicker, Symbol: "BTC/USD"}
	r.Subscribe(sub)
	r.Subscribe(sub)

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestSubscribeNotifiesImmediately(t *testing.T) {
	r := New()
	n := &fakeNotifier{}
	r.SetNotifier(n)

	sub := types.Subscription{Channel: types.ChannelOrderBook, Symbol: "ETH/USD", Depth: 20}
	r.Subscribe(sub)

	if len(n.subscribed) != 1 || n.subscribed[0] != sub {
		t.Fatalf("notifier.subscribed = %+v", n.subscribed)
	}
}

func TestUnsubscribeRemovesAndNotifies(t *testing.T) {
	r := New()
	n := &fakeNotifier{}
	r.SetNotifier(n)

	sub := types.Subscription{Channel: types.ChannelTicker, Symbol: "BTC/USD"}
	r.Subscribe(sub)
	r.Unsubscribe(types.ChannelTicker, "BTC/USD")

	if r.Has(types.ChannelTicker, "BTC/USD") {
		t.Fatal("expected subscription to be removed")
	}
	if len(n.unsubscribed) != 1 {
		t.Fatalf("notifier.unsubscribed = %+v", n.unsubscribed)
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	r := New()
	n := &fakeNotifier{}
	r.SetNotifier(n)

	r.Unsubscribe(types.ChannelTicker, "NOPE/USD")

	if len(n.unsubscribed) != 0 {
		t.Fatalf("expected no notification, got %+v", n.unsubscribed)
	}
}

func TestSnapshotIsPointInTimeCopy(t *testing.T) {
	r := New()
	r.Subscribe(types.Subscription{Channel: types.ChannelTicker, Symbol: "BTC/USD"})
	r.Subscribe(types.Subscription{Channel: types.ChannelOrderBook, Symbol: "ETH/USD"})

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2", len(snap))
	}

	r.Subscribe(types.Subscription{Channel: types.ChannelTicker, Symbol: "SOL/USD"})
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated after later Subscribe: len = %d", len(snap))
	}
}
