// ABOUTME: In-memory fan-out bus for connection lifecycle events.
// ABOUTME: Handler panics are recovered and logged, never propagated to emitters.

package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a connection lifecycle event.
type EventType string

const (
	EventServerConnected    EventType = "server.connected"
	EventServerDisconnected EventType = "server.disconnected"
	EventServerError        EventType = "server.error"
)

// Event carries the details of a lifecycle change.
type Event struct {
	Type      EventType
	ServerID  string
	TenantID  string
	Error     string
	Timestamp time.Time
}

// HandlerFunc receives published events.
type HandlerFunc func(Event)

// Bus provides in-memory pub/sub for connection events. Subscribers register
// per event type and receive events synchronously; a panicking handler is
// recovered and logged so it cannot take down the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]HandlerFunc
	logger   *slog.Logger
}

// NewBus creates a Bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[EventType]map[string]HandlerFunc),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers a handler for an event type and returns a subscription
// ID for later removal.
func (b *Bus) Subscribe(t EventType, fn HandlerFunc) string {
	id := uuid.New().String()

	b.mu.Lock()
	if _, ok := b.handlers[t]; !ok {
		b.handlers[t] = make(map[string]HandlerFunc)
	}
	b.handlers[t][id] = fn
	b.mu.Unlock()

	return id
}

// Unsubscribe removes a handler by subscription ID. No-op if absent.
func (b *Bus) Unsubscribe(t EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.handlers[t]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.handlers, t)
		}
	}
}

// Publish delivers an event to every handler subscribed to its type.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.handlers[ev.Type]
	// Copy handlers under the read lock so a handler may unsubscribe itself.
	targets := make([]HandlerFunc, 0, len(subs))
	for _, fn := range subs {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn HandlerFunc, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"server_id", ev.ServerID,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
