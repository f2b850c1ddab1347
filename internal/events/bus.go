package events

import (
	"sync"
	"time"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must not block and must not publish re-entrantly into a
// state mutation they do not own.
type Handler func(Event)

// Subscription identifies a registered handler for later removal.
type Subscription int

type entry struct {
	id Subscription
	fn Handler
}

// Bus is the process-wide publish/subscribe channel. Dispatch is
// synchronous; a bounded ring of recent events is retained for
// observation endpoints.
type Bus struct {
	mu      sync.Mutex
	nextID  Subscription
	byKind  map[Kind][]entry
	all     []entry
	recent  []Event
	maxKeep int
}

// NewBus creates a bus retaining up to maxKeep recent events.
func NewBus(maxKeep int) *Bus {
	if maxKeep <= 0 {
		maxKeep = 1000
	}
	return &Bus{
		byKind:  make(map[Kind][]entry),
		maxKeep: maxKeep,
	}
}

// Subscribe registers a handler for one kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.byKind[kind] = append(b.byKind[kind], entry{id: b.nextID, fn: fn})
	return b.nextID
}

// SubscribeAll registers a handler for every kind.
func (b *Bus) SubscribeAll(fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.all = append(b.all, entry{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a handler by its subscription id.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, list := range b.byKind {
		b.byKind[kind] = removeEntry(list, sub)
	}
	b.all = removeEntry(b.all, sub)
}

func removeEntry(list []entry, sub Subscription) []entry {
	for i, e := range list {
		if e.id == sub {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Publish stamps an envelope around the payload and dispatches it to
// every matching handler, in subscription order.
func (b *Bus) Publish(moduleID, moduleType string, data Payload) Event {
	ev := Event{
		Kind:       data.EventKind(),
		ModuleID:   moduleID,
		ModuleType: moduleType,
		Timestamp:  time.Now(),
		Data:       data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.maxKeep {
		b.recent = b.recent[len(b.recent)-b.maxKeep:]
	}
	handlers := make([]entry, 0, len(b.byKind[ev.Kind])+len(b.all))
	handlers = append(handlers, b.byKind[ev.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.Unlock()

	for _, h := range handlers {
		h.fn(ev)
	}
	return ev
}

// Recent returns up to limit of the most recent events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if limit > 0 && len(b.recent) > limit {
		start = len(b.recent) - limit
	}
	out := make([]Event, len(b.recent)-start)
	copy(out, b.recent[start:])
	return out
}
