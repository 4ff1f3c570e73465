// Package events carries operational session-lifecycle notifications to
// in-process observers (metrics, stats). It is not on the audio data
// path and never blocks it.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session lifecycle event types.
const (
	TypeSessionCreated     = "session.created"
	TypeSessionClosed      = "session.closed"
	TypeSessionInterrupted = "session.interrupted"
	TypeTurnDispatched     = "session.turn_dispatched"
	TypeTurnDiscarded      = "session.turn_discarded"
)

// Event is one operational notification.
type Event struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler consumes events. Handlers run asynchronously; a slow handler
// never backs up a publisher.
type Handler func(event Event)

// Bus is an in-process publish/subscribe bus. Unlike ambient package
// globals, every Bus is owned by whoever constructs it and torn down
// with it.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type. "*" subscribes to
// everything.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers the event to all matching handlers asynchronously.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	b.logger.Debug("publishing event",
		zap.String("type", event.Type),
		zap.String("session_id", event.SessionID),
		zap.Int("handlers", len(handlers)))
	for _, h := range handlers {
		go h(event)
	}
}

// Emit is a convenience publisher.
func (b *Bus) Emit(eventType, sessionID string, data map[string]interface{}) {
	b.Publish(Event{Type: eventType, SessionID: sessionID, Data: data})
}
