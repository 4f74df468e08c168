// Package es provides the core event sourcing types: events, aggregates,
// snapshots, expected versions, change notifications and the error taxonomy
// shared by every store implementation.
package es

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Version bounds accepted by range queries.
const (
	FromStart int64 = 0
	Latest    int64 = math.MaxInt64
)

// Event is a single immutable fact appended to a stream.
// EventType is persisted next to the JSON payload and selects the decoder on read.
type Event interface {
	EventType() string
}

// StoredEvent is an event read back from a stream together with its position.
type StoredEvent[E Event] struct {
	Version     int64
	StreamToken uuid.UUID
	Event       E
}

// StreamVersion is the head of a stream.
type StreamVersion struct {
	Version     int64
	StreamToken uuid.UUID
}

// EventRegistry decodes persisted events of one event family.
type EventRegistry[E Event] struct {
	mu        sync.RWMutex
	factories map[string]func() E
	fallback  func(eventType string) E
}

// NewEventRegistry creates an empty registry
func NewEventRegistry[E Event]() *EventRegistry[E] {
	return &EventRegistry[E]{
		factories: make(map[string]func() E),
	}
}

// Register adds a factory for eventType. The factory must return a pointer
// so the payload can be decoded into it.
func (r *EventRegistry[E]) Register(eventType string, factory func() E) *EventRegistry[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[eventType] = factory
	return r
}

// WithFallback sets the factory used for event types without a registered
// factory. Tools that only display payloads use it to read any family.
func (r *EventRegistry[E]) WithFallback(factory func(eventType string) E) *EventRegistry[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = factory
	return r
}

// Types returns the registered event types, sorted.
func (r *EventRegistry[E]) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Encode serializes an event into its type tag and JSON payload.
func (r *EventRegistry[E]) Encode(event E) (string, []byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", nil, &SerializationError{Err: err}
	}
	return event.EventType(), data, nil
}

// Decode rebuilds an event from its type tag and JSON payload.
func (r *EventRegistry[E]) Decode(eventType string, data []byte) (E, error) {
	var zero E

	r.mu.RLock()
	factory, ok := r.factories[eventType]
	fallback := r.fallback
	r.mu.RUnlock()

	var event E
	switch {
	case ok:
		event = factory()
	case fallback != nil:
		event = fallback(eventType)
	default:
		return zero, &SerializationError{Err: fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)}
	}

	if err := json.Unmarshal(data, event); err != nil {
		return zero, &SerializationError{Err: fmt.Errorf("decode %s: %w", eventType, err)}
	}
	return event, nil
}
