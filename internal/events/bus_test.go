package events

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestScopeIsolation(t *testing.T) {
	b := NewBus(10, 10)
	subA := b.Subscribe(1, 100)
	subB := b.Subscribe(2, 100)
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish(1, 100, TypeOrderUpdate, map[string]any{"order_id": 7})

	ev := recvEvent(t, subA)
	if ev.Type != TypeOrderUpdate {
		t.Fatalf("type = %s", ev.Type)
	}
	select {
	case ev := <-subB.Events():
		t.Fatalf("wrong scope received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryRetainedNotReplayed(t *testing.T) {
	b := NewBus(10, 3)
	b.Publish(1, 100, TypeOrderUpdate, "a")
	b.Publish(1, 100, TypeOrderUpdate, "b")
	b.Publish(1, 100, TypeOrderUpdate, "c")
	b.Publish(1, 100, TypeOrderUpdate, "d")

	sub := b.Subscribe(1, 100)
	defer b.Unsubscribe(sub)
	select {
	case ev := <-sub.Events():
		t.Fatalf("history must not be replayed, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	hist := b.History(1, 100)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want ring capacity 3", len(hist))
	}
	if hist[0].Data != "b" || hist[2].Data != "d" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	b := NewBus(2, 10)
	b.putTimeout = 20 * time.Millisecond

	sub := b.Subscribe(1, 100)
	for i := 0; i < 3; i++ {
		b.Publish(1, 100, TypeOrderUpdate, i)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("full subscriber was not evicted")
	}
	if n := b.SubscriberCount(1, 100); n != 0 {
		t.Fatalf("subscriber count = %d after eviction", n)
	}
}

func TestPublishGatedByValidator(t *testing.T) {
	b := NewBus(10, 10)
	b.SetValidator(func(strategyID int64) bool { return strategyID != 666 })

	live := b.Subscribe(1, 100)
	dead := b.Subscribe(1, 666)
	defer b.Unsubscribe(live)
	defer b.Unsubscribe(dead)

	b.Publish(1, 666, TypeOrderUpdate, "dropped")
	b.Publish(1, 100, TypeOrderUpdate, "delivered")

	ev := recvEvent(t, live)
	if ev.Data != "delivered" {
		t.Fatalf("data = %v", ev.Data)
	}
	select {
	case ev := <-dead.Events():
		t.Fatalf("rejected strategy received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if len(b.History(1, 666)) != 0 {
		t.Fatal("dropped event must not enter history")
	}
}

func TestDisconnectScope(t *testing.T) {
	b := NewBus(10, 10)
	sub := b.Subscribe(3, 200)
	other := b.Subscribe(4, 200)
	defer b.Unsubscribe(other)

	n := b.DisconnectScope(3, 200, ReasonPermissionRevoked)
	if n != 1 {
		t.Fatalf("disconnected %d, want 1", n)
	}

	ev := recvEvent(t, sub)
	if ev.Type != TypeForceDisconnect {
		t.Fatalf("type = %s, want force_disconnect", ev.Type)
	}
	data, ok := ev.Data.(map[string]string)
	if !ok || data["reason"] != ReasonPermissionRevoked {
		t.Fatalf("data = %+v", ev.Data)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after disconnect")
	}
	if n := b.SubscriberCount(4, 200); n != 1 {
		t.Fatal("other user's subscription must survive")
	}
}
