package services

import (
	"sync"

	"meshcall/internal/core/domain"
)

// EventHub fans session events out to registered handlers. Delivery is
// synchronous on the emitting goroutine; handlers must not block.
type EventHub struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(domain.Event)
	order    []uint64
}

func NewEventHub() *EventHub {
	return &EventHub{handlers: make(map[uint64]func(domain.Event))}
}

// Subscribe registers handler and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (h *EventHub) Subscribe(handler func(domain.Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.handlers[id] = handler
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *EventHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.handlers, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Emit delivers ev to every handler in subscription order.
func (h *EventHub) Emit(ev domain.Event) {
	h.mu.RLock()
	handlers := make([]func(domain.Event), 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *EventHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
