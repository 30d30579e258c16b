package client

import (
	"encoding/json"
	"sync"
)

// Event is an inbound server frame. The payload stays raw until a handler
// decodes it against the type tag.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Handler func(Event)

// Subscription is the token returned by On. Removal goes through the token
// rather than comparing handler identity, so two distinct closures with the
// same behavior never collide.
type Subscription struct {
	eventType string
	id        uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Dispatcher demultiplexes events by type tag to an ordered list of
// handlers. Multiple handlers per type run in registration order.
type Dispatcher struct {
	mu       sync.Mutex
	nextId   uint64
	handlers map[string][]handlerEntry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]handlerEntry),
	}
}

func (d *Dispatcher) On(eventType string, fn Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextId++
	d.handlers[eventType] = append(d.handlers[eventType], handlerEntry{
		id: d.nextId,
		fn: fn,
	})

	return &Subscription{eventType: eventType, id: d.nextId}
}

// Off removes exactly the handler added under sub. Returns false when the
// subscription was already removed.
func (d *Dispatcher) Off(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[sub.eventType]
	for i, e := range entries {
		if e.id == sub.id {
			d.handlers[sub.eventType] = append(entries[:i], entries[i+1:]...)
			if len(d.handlers[sub.eventType]) == 0 {
				delete(d.handlers, sub.eventType)
			}
			return true
		}
	}

	return false
}

func (d *Dispatcher) dispatch(ev Event) {
	d.mu.Lock()
	entries := make([]handlerEntry, len(d.handlers[ev.Type]))
	copy(entries, d.handlers[ev.Type])
	d.mu.Unlock()

	// invoke outside the lock so a handler can call On or Off
	for _, e := range entries {
		e.fn(ev)
	}
}
