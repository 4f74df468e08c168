package es

import (
	"context"

	"github.com/google/uuid"
)

// EventStore is the append-only stream log of one event family.
//
// HasStream is a probe only: a stream can be deleted between HasStream and
// a later call, so callers must still handle ErrStreamNotFound from it.
type EventStore[E Event] interface {
	CreateStream(ctx context.Context, streamID string) (uuid.UUID, error)
	HasStream(ctx context.Context, streamID string) (bool, error)
	GetStreamVersion(ctx context.Context, streamID string) (StreamVersion, bool, error)
	DeleteStream(ctx context.Context, streamID string) error
	StoreEvents(ctx context.Context, streamID string, expected ExpectedVersion, events []E) (int64, error)
	GetEvents(ctx context.Context, streamID string, from, to int64) ([]StoredEvent[E], error)
}

// SnapshotStore keeps the snapshot chain of one aggregate kind.
type SnapshotStore[A any] interface {
	SnapshotReader[A]
	SnapshotWriter[A]
	GetAggregate(ctx context.Context, streamID string) (*Snapshot[A], error)
	PruneSnapshot(ctx context.Context, streamID string, version int64) error
	ListSnapshots(ctx context.Context, streamID string) ([]SnapshotInfo, error)
}
