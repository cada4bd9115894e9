// Package bus fans out engine lifecycle events to in-process subscribers.
package bus

import (
	"sync"
	"time"
)

// Event names published by the engine.
const (
	EventCycleRecorded = "cycle.recorded"
	EventAgentHalted   = "agent.halted"
	EventAgentStopped  = "agent.stopped"
)

// Event is one lifecycle notification.
type Event struct {
	Name    string    `json:"name"`
	AgentID string    `json:"agent_id"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// EventHandler receives broadcast events. Handlers must not block.
type EventHandler func(Event)

// Publisher is the sending side used by the engine.
type Publisher interface {
	Broadcast(event Event)
}

// Bus broadcasts events to registered subscribers.
type Bus struct {
	// Event subscribers (subscriber ID → handler)
	subscribers map[string]EventHandler
	subMu       sync.RWMutex
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast sends an event to all subscribers.
func (b *Bus) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, handler := range b.subscribers {
		handler(event)
	}
}
