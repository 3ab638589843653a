package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block; slow consumers should hand off to a buffered
// channel and drop when it is full.
type Handler func(*Event)

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID atomic.Uint64
	log    zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType][]subscription),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers handler for one event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// SubscribeAll registers handler for every known event type and returns the
// IDs to unsubscribe with.
func (b *Bus) SubscribeAll(handler Handler) []SubscriptionID {
	types := AllTypes()
	ids := make([]SubscriptionID, 0, len(types))
	for _, t := range types {
		ids = append(ids, b.Subscribe(t, handler))
	}
	return ids
}

// Unsubscribe removes subscriptions. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(ids ...SubscriptionID) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[SubscriptionID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		kept := subs[:0:0]
		for _, s := range subs {
			if !drop[s.id] {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = kept
		}
	}
}

// Publish delivers event to every subscriber of its type. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	subs := b.subs[event.Type]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

// Emit builds an event from data and publishes it
func (b *Bus) Emit(module string, data EventData) {
	b.Publish(NewEvent(module, data))
}

// Subscribers returns the number of subscribers for an event type
func (b *Bus) Subscribers(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

func (b *Bus) deliver(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
