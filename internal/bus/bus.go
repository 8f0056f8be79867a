package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is the in-process event fan-out. Handlers run on the
// broadcaster's goroutine; they must not block.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under the given subscriber id, replacing
// any previous handler for that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler for the given subscriber id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. A panicking handler is
// logged and skipped so one bad client cannot take down the broadcaster.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panic", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
