package es

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an optimistic concurrency check fails or
	// a stream or snapshot already exists.
	ErrConflict = errors.New("es: conflict")
	// ErrStreamNotFound is returned when the referenced stream does not exist.
	ErrStreamNotFound = errors.New("es: stream not found")
	// ErrAggregateNotFound is the snapshot store flavour of ErrStreamNotFound.
	ErrAggregateNotFound = fmt.Errorf("es: aggregate not found: %w", ErrStreamNotFound)

	ErrEventVersionNotFound   = errors.New("es: event version not found")
	ErrInvalidSnapshotVersion = errors.New("es: invalid snapshot version")
	ErrEventOutOfOrder        = errors.New("es: event out of order")
	ErrNoEvents               = errors.New("es: no events to store")
	ErrUnknownEventType       = errors.New("es: unknown event type")
	ErrSnapshotHashMismatch   = errors.New("es: snapshot hash mismatch")
	ErrUnknownNotification    = errors.New("es: unknown notification")
	ErrSerialization          = errors.New("es: serialization failed")
	ErrDB                     = errors.New("es: database error")
)

// EventVersionNotFoundError reports a snapshot pointing at a version with no event.
type EventVersionNotFoundError struct {
	Version int64
}

func (e *EventVersionNotFoundError) Error() string {
	return fmt.Sprintf("es: event version %d not found", e.Version)
}

func (e *EventVersionNotFoundError) Is(target error) bool {
	return target == ErrEventVersionNotFound
}

// InvalidSnapshotVersionError reports a snapshot that breaks the chain or its ordering.
type InvalidSnapshotVersionError struct {
	StartVersion int64
	Version      int64
}

func (e *InvalidSnapshotVersionError) Error() string {
	return fmt.Sprintf("es: invalid snapshot version (%d..%d]", e.StartVersion, e.Version)
}

func (e *InvalidSnapshotVersionError) Is(target error) bool {
	return target == ErrInvalidSnapshotVersion
}

// EventOutOfOrderError is returned by the fold when versions are not contiguous.
type EventOutOfOrderError struct {
	Expected int64
	Got      int64
}

func (e *EventOutOfOrderError) Error() string {
	return fmt.Sprintf("es: event out of order: expected version %d, got %d", e.Expected, e.Got)
}

func (e *EventOutOfOrderError) Is(target error) bool {
	return target == ErrEventOutOfOrder
}

// SerializationError wraps payload encode or decode failures.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("es: serialization: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// DBError wraps a driver failure that has no more specific classification.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("es: %s: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }

func (e *DBError) Is(target error) bool {
	return target == ErrDB
}
