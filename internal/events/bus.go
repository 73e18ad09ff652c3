// Package events fans order and position updates out to SSE clients.
// Delivery is scoped per (user, strategy): a subscriber only ever sees
// events for the pair it subscribed to.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types pushed over the stream.
const (
	TypeOrderUpdate      = "order_update"
	TypeOrderBatchUpdate = "order_batch_update"
	TypePositionUpdate   = "position_update"
	TypeConnection       = "connection"
	TypeHeartbeat        = "heartbeat"
	TypeForceDisconnect  = "force_disconnect"
)

// Disconnect reasons carried by force_disconnect events.
const (
	ReasonPermissionRevoked  = "permission_revoked"
	ReasonStrategyDeleted    = "strategy_deleted"
	ReasonStrategyPrivatized = "strategy_privatized"
	ReasonAccountDeactivated = "account_deactivated"
)

// Event is one message on the stream.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"ts"`
}

type scope struct {
	UserID     int64
	StrategyID int64
}

// Subscription is one client's handle on the bus.
type Subscription struct {
	ID    string
	scope scope
	ch    chan Event
	once  sync.Once
	done  chan struct{}
}

// Events returns the delivery channel; it closes when the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done reports subscription termination (eviction or force
// disconnect) independent of channel draining.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// Bus routes events to per-(user, strategy) subscribers with bounded
// queues. A subscriber that stays full past the put timeout is evicted
// so one dead client cannot stall the publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[scope]map[string]*Subscription
	history    map[scope][]Event
	maxQueue   int
	maxHistory int
	putTimeout time.Duration
	validate   func(strategyID int64) bool
}

// NewBus creates a bus with the given queue and history bounds.
func NewBus(maxQueue, maxHistory int) *Bus {
	if maxQueue <= 0 {
		maxQueue = 50
	}
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &Bus{
		subs:       make(map[scope]map[string]*Subscription),
		history:    make(map[scope][]Event),
		maxQueue:   maxQueue,
		maxHistory: maxHistory,
		putTimeout: time.Second,
	}
}

// SetValidator installs the strategy check run before each Publish.
// Events for strategies the check rejects are dropped; disconnects are
// not gated since they are how a dead scope is torn down.
func (b *Bus) SetValidator(fn func(strategyID int64) bool) {
	b.mu.Lock()
	b.validate = fn
	b.mu.Unlock()
}

// Subscribe registers a client for live delivery. History is kept for
// retention and inspection, not replayed here.
func (b *Bus) Subscribe(userID, strategyID int64) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		scope: scope{UserID: userID, StrategyID: strategyID},
		ch:    make(chan Event, b.maxQueue),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sub.scope] == nil {
		b.subs[sub.scope] = make(map[string]*Subscription)
	}
	b.subs[sub.scope][sub.ID] = sub
	return sub
}

// History returns a copy of the scope's retained events.
func (b *Bus) History(userID, strategyID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[scope{UserID: userID, StrategyID: strategyID}]
	out := make([]Event, len(h))
	copy(out, h)
	return out
}

// Unsubscribe removes a client; safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if m := b.subs[sub.scope]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.subs, sub.scope)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every subscriber of (user, strategy)
// and appends it to the scope's history ring.
func (b *Bus) Publish(userID, strategyID int64, typ string, data any) {
	b.mu.RLock()
	validate := b.validate
	b.mu.RUnlock()
	if validate != nil && !validate(strategyID) {
		return
	}

	sc := scope{UserID: userID, StrategyID: strategyID}
	ev := Event{Type: typ, Data: data, Time: time.Now().UTC()}

	b.mu.Lock()
	h := append(b.history[sc], ev)
	if len(h) > b.maxHistory {
		h = h[len(h)-b.maxHistory:]
	}
	b.history[sc] = h

	targets := make([]*Subscription, 0, len(b.subs[sc]))
	for _, sub := range b.subs[sc] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

// deliver sends with a bounded wait; a subscriber that cannot absorb
// the event within the timeout is evicted.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case <-sub.done:
		return
	case sub.ch <- ev:
		return
	default:
	}

	timer := time.NewTimer(b.putTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
	case <-sub.done:
	case <-timer.C:
		b.Unsubscribe(sub)
	}
}

// DisconnectScope force-disconnects every subscriber of one
// (user, strategy) pair. userID zero matches all users of the
// strategy; used when a strategy is deleted or privatized.
func (b *Bus) DisconnectScope(userID, strategyID int64, reason string) int {
	b.mu.Lock()
	var victims []*Subscription
	for sc, m := range b.subs {
		if sc.StrategyID != strategyID {
			continue
		}
		if userID != 0 && sc.UserID != userID {
			continue
		}
		for _, sub := range m {
			victims = append(victims, sub)
		}
		delete(b.subs, sc)
		delete(b.history, sc)
	}
	b.mu.Unlock()

	ev := Event{
		Type: TypeForceDisconnect,
		Data: map[string]string{"reason": reason},
		Time: time.Now().UTC(),
	}
	for _, sub := range victims {
		select {
		case sub.ch <- ev:
		default:
		}
		sub.close()
	}
	return len(victims)
}

// SubscriberCount reports live subscribers for one scope.
func (b *Bus) SubscriberCount(userID, strategyID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[scope{UserID: userID, StrategyID: strategyID}])
}

// RunReaper periodically clears history for scopes with no
// subscribers so idle strategies do not pin memory.
func (b *Bus) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			for sc := range b.history {
				if len(b.subs[sc]) == 0 {
					delete(b.history, sc)
				}
			}
			b.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
