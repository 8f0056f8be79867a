package bus

// Event represents a server-side event to broadcast to WebSocket clients.
// SessionID scopes the event to one session; empty means server-wide.
type Event struct {
	Name      string      `json:"name"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server, the orchestrator loop, and the subagent
// supervisor to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
