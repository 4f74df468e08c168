package cli

import (
	"encoding/json"

	"github.com/example/es-aggregate-store/internal/es"
)

// rawEvent keeps a persisted payload undecoded so any event family can be
// inspected without its Go types.
type rawEvent struct {
	Type string
	Data json.RawMessage
}

func (e *rawEvent) EventType() string { return e.Type }

func (e *rawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Data) == 0 {
		return []byte("null"), nil
	}
	return e.Data, nil
}

func (e *rawEvent) UnmarshalJSON(data []byte) error {
	e.Data = append(e.Data[:0], data...)
	return nil
}

func newRawRegistry() *es.EventRegistry[*rawEvent] {
	return es.NewEventRegistry[*rawEvent]().WithFallback(func(eventType string) *rawEvent {
		return &rawEvent{Type: eventType}
	})
}

// rawAggregate names a snapshot kind for listing. It never folds events.
type rawAggregate struct {
	kind string
}

func (a *rawAggregate) AggregateName() string { return a.kind }

func (a *rawAggregate) Apply(*rawEvent) error { return nil }

func rawKind(kind string) func() *rawAggregate {
	return func() *rawAggregate { return &rawAggregate{kind: kind} }
}
