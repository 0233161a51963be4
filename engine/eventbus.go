package engine

import (
	"sync"
	"time"
)

// SubscriberFunc handles one dispatched event.
type SubscriberFunc func(Event)

// SubscriberID identifies a subscription so it can be removed.
type SubscriberID uint64

type busEntry struct {
	id SubscriberID
	fn SubscriberFunc
}

// EventBus fans engine events out to subscribers, synchronously on the
// emitting goroutine. Arm drivers and the sorter emit from their own
// operation goroutines, so handlers must be quick and must not call back
// into the emitter.
type EventBus struct {
	mu     sync.RWMutex
	nextID SubscriberID
	all    []busEntry
	byType map[EventType][]busEntry
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{byType: make(map[EventType][]busEntry)}
}

// Subscribe registers fn for every event type.
func (eb *EventBus) Subscribe(fn SubscriberFunc) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.all = append(eb.all, busEntry{eb.nextID, fn})
	return eb.nextID
}

// SubscribeTypes registers fn for the listed event types only.
func (eb *EventBus) SubscribeTypes(fn SubscriberFunc, types ...EventType) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	for _, t := range types {
		eb.byType[t] = append(eb.byType[t], busEntry{eb.nextID, fn})
	}
	return eb.nextID
}

// Unsubscribe drops a subscription everywhere it was registered.
func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.all = dropEntry(eb.all, id)
	for t, entries := range eb.byType {
		eb.byType[t] = dropEntry(entries, id)
	}
}

func dropEntry(entries []busEntry, id SubscriberID) []busEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Emit stamps evt if needed and delivers it: catch-all subscribers first,
// then the subscribers for its type, each in subscription order.
func (eb *EventBus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	eb.mu.RLock()
	targets := make([]busEntry, 0, len(eb.all)+len(eb.byType[evt.Type]))
	targets = append(targets, eb.all...)
	targets = append(targets, eb.byType[evt.Type]...)
	eb.mu.RUnlock()

	for _, e := range targets {
		e.fn(evt)
	}
}
