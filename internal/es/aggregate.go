package es

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SnapshotThreshold is the default number of folded events after which
// MaybeSnapshot writes a new snapshot.
const SnapshotThreshold = 10

// Aggregate is the reduction of a stream's events into a typed state.
// AggregateName is the snapshot kind; one stream can carry several kinds.
type Aggregate[E Event] interface {
	AggregateName() string
	Apply(event E) error
}

// Snapshot is an aggregate state folded over the events (StartVersion, Version].
type Snapshot[A any] struct {
	StreamID     string
	StreamToken  uuid.UUID
	StartVersion int64
	Version      int64
	Aggregate    A
	Hash         string
}

// NewSnapshot wraps a fresh aggregate at version 0.
func NewSnapshot[A any](streamID string, aggregate A) *Snapshot[A] {
	return &Snapshot[A]{
		StreamID:  streamID,
		Aggregate: aggregate,
	}
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	StreamID     string
	StreamToken  uuid.UUID
	AggregateID  string
	StartVersion int64
	Version      int64
	Hash         string
}

// Rebase makes the current version the start of the next fold.
func (s *Snapshot[A]) Rebase() {
	s.StartVersion = s.Version
}

// Pending returns the number of events folded since StartVersion.
func (s *Snapshot[A]) Pending() int64 {
	return s.Version - s.StartVersion
}

// ApplyEvents folds events into the snapshot.
// Events at or below the current version are skipped; a gap fails with
// ErrEventOutOfOrder and leaves the snapshot at the last applied version.
func ApplyEvents[A Aggregate[E], E Event](s *Snapshot[A], events []StoredEvent[E]) error {
	version, err := Fold(s.Aggregate, s.Version, events)
	s.Version = version
	if err == nil && len(events) > 0 {
		s.StreamToken = events[len(events)-1].StreamToken
	}
	return err
}

// Fold applies events to aggregate starting after version and returns the
// resulting version. It performs no I/O.
func Fold[A Aggregate[E], E Event](aggregate A, version int64, events []StoredEvent[E]) (int64, error) {
	for _, ev := range events {
		if ev.Version <= version {
			continue
		}
		if ev.Version != version+1 {
			return version, &EventOutOfOrderError{Expected: version + 1, Got: ev.Version}
		}
		if err := aggregate.Apply(ev.Event); err != nil {
			return version, fmt.Errorf("apply %s at version %d: %w", ev.Event.EventType(), ev.Version, err)
		}
		version = ev.Version
	}
	return version, nil
}

// EncodeSnapshot serializes an aggregate and returns the payload with its hash.
func EncodeSnapshot(aggregate any) ([]byte, string, error) {
	data, err := json.Marshal(aggregate)
	if err != nil {
		return nil, "", &SerializationError{Err: err}
	}
	hash, err := HashSnapshot(data)
	if err != nil {
		return nil, "", err
	}
	return data, hash, nil
}

// HashSnapshot is the hex encoded sha256 of the canonical form of a snapshot
// payload. The payload as written and as read back from jsonb hash the same.
func HashSnapshot(data []byte) (string, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", &SerializationError{Err: err}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// EventReader reads a stream's events in [from, to].
type EventReader[E Event] interface {
	GetEvents(ctx context.Context, streamID string, from, to int64) ([]StoredEvent[E], error)
}

// SnapshotReader returns the latest snapshot at or below upTo, or nil.
type SnapshotReader[A any] interface {
	GetSnapshot(ctx context.Context, streamID string, upTo int64) (*Snapshot[A], error)
}

// SnapshotWriter stores a snapshot folded over (startVersion, version].
type SnapshotWriter[A any] interface {
	StoreSnapshot(ctx context.Context, streamID string, startVersion, version int64, aggregate A) error
}

// LoadAggregate reconstructs an aggregate from its latest snapshot at or
// below upTo plus the events after it.
func LoadAggregate[A Aggregate[E], E Event](
	ctx context.Context,
	snapshots SnapshotReader[A],
	events EventReader[E],
	streamID string,
	upTo int64,
	newAggregate func() A,
) (*Snapshot[A], error) {
	snapshot, err := snapshots.GetSnapshot(ctx, streamID, upTo)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if snapshot == nil {
		snapshot = NewSnapshot(streamID, newAggregate())
	}
	snapshot.Rebase()

	if snapshot.Version < upTo {
		stored, err := events.GetEvents(ctx, streamID, snapshot.Version+1, upTo)
		if err != nil {
			return nil, fmt.Errorf("failed to get events: %w", err)
		}
		if err := ApplyEvents(snapshot, stored); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

// MaybeSnapshot stores the snapshot once at least threshold events were
// folded since its start version. It reports whether a snapshot was written.
func MaybeSnapshot[A any](ctx context.Context, writer SnapshotWriter[A], s *Snapshot[A], threshold int64) (bool, error) {
	if threshold <= 0 || s.Pending() < threshold {
		return false, nil
	}
	if err := writer.StoreSnapshot(ctx, s.StreamID, s.StartVersion, s.Version, s.Aggregate); err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.Rebase()
	return true, nil
}
