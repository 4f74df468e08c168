package es

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NotificationKind enumerates the committed mutations that are published.
type NotificationKind int

const (
	StreamCreated NotificationKind = iota + 1
	StreamUpdated
	StreamDeleted
	SnapshotCreated
	SnapshotDeleted
)

var notificationKinds = map[NotificationKind][2]string{
	StreamCreated:   {"stream", "create"},
	StreamUpdated:   {"stream", "update"},
	StreamDeleted:   {"stream", "delete"},
	SnapshotCreated: {"snapshot", "create"},
	SnapshotDeleted: {"snapshot", "delete"},
}

func (k NotificationKind) String() string {
	if tag, ok := notificationKinds[k]; ok {
		return tag[0] + "." + tag[1]
	}
	return fmt.Sprintf("NotificationKind(%d)", int(k))
}

// IsSnapshot reports whether the kind concerns a snapshot row.
func (k NotificationKind) IsSnapshot() bool {
	return k == SnapshotCreated || k == SnapshotDeleted
}

// Notification describes one committed change of a stream or snapshot.
// StreamToken changes when a stream is deleted and recreated under the same id.
type Notification struct {
	Kind        NotificationKind
	StreamID    string
	StreamToken uuid.UUID
	AggregateID string
	Version     int64
	Hash        string
}

type notificationWire struct {
	Type        string    `json:"type"`
	Operation   string    `json:"operation"`
	StreamID    string    `json:"stream_id"`
	StreamToken uuid.UUID `json:"stream_token"`
	AggregateID *string   `json:"aggregate_id,omitempty"`
	Version     *int64    `json:"version,omitempty"`
	Hash        *string   `json:"hash,omitempty"`
}

// MarshalJSON writes the notification in the database trigger wire format.
func (n Notification) MarshalJSON() ([]byte, error) {
	tag, ok := notificationKinds[n.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownNotification, int(n.Kind))
	}

	w := notificationWire{
		Type:        tag[0],
		Operation:   tag[1],
		StreamID:    n.StreamID,
		StreamToken: n.StreamToken,
	}
	if n.Kind != StreamCreated && n.Kind != StreamDeleted {
		v := n.Version
		w.Version = &v
	}
	if n.Kind.IsSnapshot() {
		a := n.AggregateID
		w.AggregateID = &a
	}
	if n.Kind == SnapshotCreated {
		h := n.Hash
		w.Hash = &h
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the database trigger wire format.
func (n *Notification) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeNotification(string(data))
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}

// DecodeNotification parses a NOTIFY payload.
func DecodeNotification(payload string) (Notification, error) {
	var w notificationWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Notification{}, &SerializationError{Err: fmt.Errorf("decode notification: %w", err)}
	}

	var kind NotificationKind
	for k, tag := range notificationKinds {
		if tag[0] == w.Type && tag[1] == w.Operation {
			kind = k
			break
		}
	}
	if kind == 0 {
		return Notification{}, fmt.Errorf("%w: type=%q operation=%q", ErrUnknownNotification, w.Type, w.Operation)
	}
	if w.StreamID == "" {
		return Notification{}, fmt.Errorf("%w: missing stream_id", ErrUnknownNotification)
	}

	n := Notification{
		Kind:        kind,
		StreamID:    w.StreamID,
		StreamToken: w.StreamToken,
	}
	if w.Version != nil {
		n.Version = *w.Version
	}
	if kind.IsSnapshot() {
		if w.AggregateID == nil {
			return Notification{}, fmt.Errorf("%w: %s without aggregate_id", ErrUnknownNotification, kind)
		}
		n.AggregateID = *w.AggregateID
	}
	if kind == SnapshotCreated {
		if w.Hash == nil {
			return Notification{}, fmt.Errorf("%w: %s without hash", ErrUnknownNotification, kind)
		}
		n.Hash = *w.Hash
	}
	return n, nil
}
