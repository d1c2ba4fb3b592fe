// Package transparency provides operation visibility for the evolution engine.
// This file implements the event bus that fans lifecycle events out to subscribers.
package transparency

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"evoengine/internal/logging"
)

// SubscriberFunc receives one event. It runs synchronously inside the
// emit call; keep it short.
type SubscriberFunc func(Event)

// Handle identifies a subscription for later removal.
type Handle uint64

type subscriber struct {
	handle Handle
	fn     SubscriberFunc
	filter map[EventType]bool // nil means all types
}

// EventBus fans typed lifecycle events out to registered callbacks.
// Delivery is synchronous within the emit call and follows registration
// order, so a subscriber sees a single emission's events in FIFO order.
// A panicking subscriber is recovered and logged; it never affects other
// subscribers or the emitter.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []subscriber

	sequence   atomic.Uint64
	nextHandle atomic.Uint64
	recovered  atomic.Uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{now: time.Now}
}

// Subscribe registers a callback for the given event types. With no
// types, the callback receives everything. The returned handle removes
// the subscription via Unsubscribe.
func (b *EventBus) Subscribe(fn SubscriberFunc, eventTypes ...EventType) Handle {
	h := Handle(b.nextHandle.Add(1))

	var filter map[EventType]bool
	if len(eventTypes) > 0 {
		filter = make(map[EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber{handle: h, fn: fn, filter: filter})
	b.mu.Unlock()
	return h
}

// Unsubscribe removes the subscription for the given handle. Unknown
// handles are ignored.
func (b *EventBus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.handle == h {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Emit delivers the payload to every matching subscriber, in
// registration order, before returning.
func (b *EventBus) Emit(payload Payload) {
	event := Event{
		Seq:       b.sequence.Add(1),
		Timestamp: b.now(),
		Payload:   payload,
	}

	logging.EventsDebug("emit %s", event.String())

	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter[event.Type()] {
			continue
		}
		b.deliver(sub, event)
	}
}

// deliver runs one callback with panic isolation.
func (b *EventBus) deliver(sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.recovered.Add(1)
			logging.EventsWarn("subscriber %d panicked on %s: %v", sub.handle, event.Type(), r)
		}
	}()
	sub.fn(event)
}

// Stats returns current bus statistics.
func (b *EventBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		SubscriberCount: len(b.subscribers),
		TotalEmitted:    b.sequence.Load(),
		PanicsRecovered: b.recovered.Load(),
	}
}

// BusStats holds event bus statistics.
type BusStats struct {
	SubscriberCount int
	TotalEmitted    uint64
	PanicsRecovered uint64
}

// String formats the stats for status output.
func (s BusStats) String() string {
	return fmt.Sprintf("subscribers=%d emitted=%d recovered=%d", s.SubscriberCount, s.TotalEmitted, s.PanicsRecovered)
}
