// Package memory is an in-process event and snapshot store with the same
// concurrency and snapshot chain rules as the Postgres store.
package memory

import (
	"context"
	"sync"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/google/uuid"
)

type storedEvent struct {
	eventType string
	data      []byte
}

type storedSnapshot struct {
	startVersion int64
	version      int64
	data         []byte
	hash         string
}

type stream struct {
	token     uuid.UUID
	events    []storedEvent
	snapshots map[string][]storedSnapshot // kind -> ascending by version
}

func (s *stream) version() int64 { return int64(len(s.events)) }

// Store keeps the streams of one event family in memory.
type Store[E es.Event] struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	registry *es.EventRegistry[E]

	subMu       sync.RWMutex
	subscribers []func(es.Notification)

	// For tracking calls in tests
	StoreEventsCalls []StoreEventsCall
	StoreEventsErr   error
}

// StoreEventsCall records parameters passed to StoreEvents
type StoreEventsCall struct {
	StreamID string
	Expected es.ExpectedVersion
	Count    int
}

// NewStore creates an empty store decoding events with registry.
func NewStore[E es.Event](registry *es.EventRegistry[E]) *Store[E] {
	return &Store[E]{
		streams:  make(map[string]*stream),
		registry: registry,
	}
}

var _ es.EventStore[es.Event] = (*Store[es.Event])(nil)

// Subscribe registers fn for every committed change, mirroring the
// database notification triggers. fn runs synchronously after the change.
func (m *Store[E]) Subscribe(fn func(es.Notification)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Store[E]) notify(n es.Notification) {
	m.subMu.RLock()
	subs := append([]func(es.Notification){}, m.subscribers...)
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(n)
	}
}

func (m *Store[E]) CreateStream(_ context.Context, streamID string) (uuid.UUID, error) {
	m.mu.Lock()
	if _, ok := m.streams[streamID]; ok {
		m.mu.Unlock()
		return uuid.Nil, es.ErrConflict
	}
	token := uuid.New()
	m.streams[streamID] = &stream{
		token:     token,
		snapshots: make(map[string][]storedSnapshot),
	}
	m.mu.Unlock()

	m.notify(es.Notification{Kind: es.StreamCreated, StreamID: streamID, StreamToken: token})
	return token, nil
}

func (m *Store[E]) HasStream(_ context.Context, streamID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.streams[streamID]
	return ok, nil
}

func (m *Store[E]) GetStreamVersion(_ context.Context, streamID string) (es.StreamVersion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	if !ok {
		return es.StreamVersion{}, false, nil
	}
	return es.StreamVersion{Version: s.version(), StreamToken: s.token}, true, nil
}

func (m *Store[E]) DeleteStream(_ context.Context, streamID string) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return es.ErrStreamNotFound
	}
	delete(m.streams, streamID)
	m.mu.Unlock()

	m.notify(es.Notification{Kind: es.StreamDeleted, StreamID: streamID, StreamToken: s.token})
	return nil
}

func (m *Store[E]) StoreEvents(_ context.Context, streamID string, expected es.ExpectedVersion, events []E) (int64, error) {
	m.mu.Lock()

	m.StoreEventsCalls = append(m.StoreEventsCalls, StoreEventsCall{
		StreamID: streamID,
		Expected: expected,
		Count:    len(events),
	})
	if m.StoreEventsErr != nil {
		m.mu.Unlock()
		return 0, m.StoreEventsErr
	}

	if len(events) == 0 && expected.IsAny() {
		m.mu.Unlock()
		return 0, es.ErrNoEvents
	}

	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return 0, es.ErrStreamNotFound
	}
	current := s.version()
	if !expected.Matches(current) {
		m.mu.Unlock()
		return 0, es.ErrConflict
	}

	encoded := make([]storedEvent, 0, len(events))
	for _, e := range events {
		eventType, data, err := m.registry.Encode(e)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		encoded = append(encoded, storedEvent{eventType: eventType, data: data})
	}
	s.events = append(s.events, encoded...)
	version := s.version()
	token := s.token
	m.mu.Unlock()

	if len(events) > 0 {
		m.notify(es.Notification{Kind: es.StreamUpdated, StreamID: streamID, StreamToken: token, Version: version})
	}
	return version, nil
}

func (m *Store[E]) GetEvents(_ context.Context, streamID string, from, to int64) ([]es.StoredEvent[E], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[streamID]
	if !ok {
		return nil, es.ErrStreamNotFound
	}

	var result []es.StoredEvent[E]
	for i, raw := range s.events {
		version := int64(i) + 1
		if version < from || version > to {
			continue
		}
		event, err := m.registry.Decode(raw.eventType, raw.data)
		if err != nil {
			return nil, err
		}
		result = append(result, es.StoredEvent[E]{
			Version:     version,
			StreamToken: s.token,
			Event:       event,
		})
	}
	return result, nil
}

// Reset clears all streams and recorded calls
func (m *Store[E]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[string]*stream)
	m.StoreEventsCalls = nil
	m.StoreEventsErr = nil
}
