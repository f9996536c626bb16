package events

import (
	"log"
	"sync"
	"time"
)

// Handler receives published events it subscribed to.
type Handler func(Event)

// subscription pairs a handler with its type filter. A nil filter
// matches everything.
type subscription struct {
	types   map[EventType]struct{}
	handler Handler
}

func (s subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to in-process subscribers. Safe for concurrent
// use.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. With no types listed the handler
// sees every event on the bus.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish delivers e to every matching subscriber, synchronously and
// in registration order. A zero timestamp is filled in with the
// current UTC time. A panicking handler is logged and does not stop
// delivery to the rest.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.wants(e.Type) {
			b.dispatch(sub.handler, e)
		}
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber panic on %s: %v", e.Type, r)
		}
	}()
	h(e)
}
