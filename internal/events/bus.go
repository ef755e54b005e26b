package events

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles a published record.
type Handler func(Record)

// subscription represents a registered event handler.
type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// wildcard subscribes a handler to every kind.
const wildcard Kind = "*"

// Bus is a simple synchronous pub-sub bus over event records. It lets the
// CLI observe engine progress without the engine depending on presentation
// code.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[Kind][]subscription
	nextID        atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[Kind][]subscription),
	}
}

// Subscribe registers a handler for one event kind.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subscriptions[kind] = append(b.subscriptions[kind], subscription{
		id:      id,
		kind:    kind,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[kind] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches a record to all registered handlers. Specific handlers
// run before wildcard handlers, each group in registration order. A panic in
// one handler is recovered and logged so it cannot block delivery to the rest.
func (b *Bus) Publish(rec Record) {
	b.mu.RLock()
	kind := rec.Kind()

	specificSubs := make([]subscription, len(b.subscriptions[kind]))
	copy(specificSubs, b.subscriptions[kind])

	wildcardSubs := make([]subscription, len(b.subscriptions[wildcard]))
	copy(wildcardSubs, b.subscriptions[wildcard])

	b.mu.RUnlock()

	for _, sub := range specificSubs {
		b.safeCall(sub.handler, rec)
	}
	for _, sub := range wildcardSubs {
		b.safeCall(sub.handler, rec)
	}
}

// safeCall invokes a handler and recovers from any panic in it.
func (b *Bus) safeCall(handler Handler, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s",
				rec.Kind(), r, debug.Stack())
		}
	}()
	handler(rec)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[Kind][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
