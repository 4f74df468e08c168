package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const errSnapshotChainBroken = "Snapshot chain is broken."

// SnapshotStore keeps the snapshot chain of one aggregate kind on top of a Context.
type SnapshotStore[A es.Aggregate[E], E es.Event] struct {
	c            *Context[E]
	kind         string
	newAggregate func() A
}

// NewSnapshotStore binds the aggregate kind produced by newAggregate to c.
func NewSnapshotStore[A es.Aggregate[E], E es.Event](c *Context[E], newAggregate func() A) *SnapshotStore[A, E] {
	return &SnapshotStore[A, E]{
		c:            c,
		kind:         newAggregate().AggregateName(),
		newAggregate: newAggregate,
	}
}

// GetSnapshot returns the latest snapshot at or below upTo, nil when the
// stream has none, or es.ErrAggregateNotFound when the stream is missing.
func (s *SnapshotStore[A, E]) GetSnapshot(ctx context.Context, streamID string, upTo int64) (snapshot *es.Snapshot[A], err error) {
	ctx, span := startSpan(ctx, "GetSnapshot", s.c.db.name, streamID,
		attribute.String("es.snapshot_kind", s.kind),
		attribute.Int64("es.to_version", upTo),
	)
	defer func() { endSpan(span, err) }()

	stmt, err := s.c.stmt(ctx, s.c.db.stmts.getSnapshot)
	if err != nil {
		return nil, err
	}

	var (
		token        uuid.UUID
		startVersion sql.NullInt64
		version      sql.NullInt64
		data         sql.NullString
		hash         sql.NullString
	)
	err = stmt.QueryRowContext(ctx, streamID, s.kind, upTo).Scan(&token, &startVersion, &version, &data, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrAggregateNotFound
	}
	if err != nil {
		return nil, &es.DBError{Op: "get snapshot", Err: err}
	}
	if !version.Valid {
		return nil, nil
	}

	// jsonb does not keep the written bytes; the hash covers the canonical form
	h, err := es.HashSnapshot([]byte(data.String))
	if err != nil {
		return nil, err
	}
	if h != hash.String {
		return nil, fmt.Errorf("snapshot %s/%s@%d: %w", streamID, s.kind, version.Int64, es.ErrSnapshotHashMismatch)
	}
	aggregate := s.newAggregate()
	if err := json.Unmarshal([]byte(data.String), aggregate); err != nil {
		return nil, &es.SerializationError{Err: err}
	}
	return s.snapshot(streamID, token, startVersion.Int64, version.Int64, aggregate, hash.String), nil
}

func (s *SnapshotStore[A, E]) snapshot(streamID string, token uuid.UUID, start, version int64, aggregate A, hash string) *es.Snapshot[A] {
	return &es.Snapshot[A]{
		StreamID:     streamID,
		StreamToken:  token,
		StartVersion: start,
		Version:      version,
		Aggregate:    aggregate,
		Hash:         hash,
	}
}

// GetAggregate folds the events after the latest snapshot into it, or into
// a fresh aggregate when there is no snapshot yet.
func (s *SnapshotStore[A, E]) GetAggregate(ctx context.Context, streamID string) (*es.Snapshot[A], error) {
	return s.GetAggregateAt(ctx, streamID, es.Latest)
}

// GetAggregateAt reconstructs the aggregate as of version.
func (s *SnapshotStore[A, E]) GetAggregateAt(ctx context.Context, streamID string, version int64) (*es.Snapshot[A], error) {
	return es.LoadAggregate[A, E](ctx, s, s.c, streamID, version, s.newAggregate)
}

// StoreSnapshot stores aggregate as folded over (startVersion, version].
// On success snapshots below version are pruned; a pruning failure is
// only logged.
func (s *SnapshotStore[A, E]) StoreSnapshot(ctx context.Context, streamID string, startVersion, version int64, aggregate A) (err error) {
	ctx, span := startSpan(ctx, "StoreSnapshot", s.c.db.name, streamID,
		attribute.String("es.snapshot_kind", s.kind),
		attribute.Int64("es.start_version", startVersion),
		attribute.Int64("es.version", version),
	)
	defer func() { endSpan(span, err) }()

	data, hash, err := es.EncodeSnapshot(aggregate)
	if err != nil {
		return err
	}

	stmt, err := s.c.stmt(ctx, s.c.db.stmts.storeSnapshot)
	if err != nil {
		return err
	}
	if _, err = stmt.ExecContext(ctx, streamID, s.kind, startVersion, version, string(data), hash); err != nil {
		return s.classify(err, startVersion, version)
	}

	if err := s.prune(ctx, s.c.db.stmts.pruneDominated, streamID, version); err != nil {
		s.c.db.logger.Error(ctx, "failed to prune snapshots",
			"stream_id", streamID, "kind", s.kind, "version", version, "error", err)
	}
	return nil
}

func (s *SnapshotStore[A, E]) classify(err error, startVersion, version int64) error {
	table := s.c.snapshotsTable()
	switch {
	case isConstraint(err, table+"_pkey"), isConstraint(err, table+"_no_branching"):
		return es.ErrConflict
	case isConstraint(err, table+"_event_fkey"):
		return &es.EventVersionNotFoundError{Version: version}
	case isConstraint(err, table+"_heads_fkey"):
		return es.ErrAggregateNotFound
	case isRaiseException(err, errSnapshotChainBroken), isConstraint(err, table+"_version_check"):
		return &es.InvalidSnapshotVersionError{StartVersion: startVersion, Version: version}
	}
	s.c.db.logger.Info(context.Background(), "insert snapshot failed", "kind", s.kind, "error", err)
	return &es.DBError{Op: "store snapshot", Err: err}
}

// PruneSnapshot deletes the snapshots at or below version.
func (s *SnapshotStore[A, E]) PruneSnapshot(ctx context.Context, streamID string, version int64) (err error) {
	ctx, span := startSpan(ctx, "PruneSnapshot", s.c.db.name, streamID,
		attribute.String("es.snapshot_kind", s.kind),
		attribute.Int64("es.version", version),
	)
	defer func() { endSpan(span, err) }()

	return s.prune(ctx, s.c.db.stmts.pruneSnapshot, streamID, version)
}

func (s *SnapshotStore[A, E]) prune(ctx context.Context, id StatementID, streamID string, version int64) error {
	stmt, err := s.c.stmt(ctx, id)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, streamID, s.kind, version); err != nil {
		return &es.DBError{Op: "prune snapshot", Err: err}
	}
	return nil
}

// ListSnapshots returns the chain in version order.
func (s *SnapshotStore[A, E]) ListSnapshots(ctx context.Context, streamID string) (infos []es.SnapshotInfo, err error) {
	ctx, span := startSpan(ctx, "ListSnapshots", s.c.db.name, streamID,
		attribute.String("es.snapshot_kind", s.kind),
	)
	defer func() { endSpan(span, err) }()

	stmt, err := s.c.stmt(ctx, s.c.db.stmts.listSnapshots)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, streamID, s.kind)
	if err != nil {
		return nil, &es.DBError{Op: "list snapshots", Err: err}
	}
	defer rows.Close()

	found := false
	infos = []es.SnapshotInfo{}
	for rows.Next() {
		found = true

		var (
			token        uuid.UUID
			startVersion sql.NullInt64
			version      sql.NullInt64
			hash         sql.NullString
		)
		if err = rows.Scan(&token, &startVersion, &version, &hash); err != nil {
			return nil, &es.DBError{Op: "list snapshots", Err: err}
		}
		if !version.Valid {
			continue
		}
		infos = append(infos, es.SnapshotInfo{
			StreamID:     streamID,
			StreamToken:  token,
			AggregateID:  s.kind,
			StartVersion: startVersion.Int64,
			Version:      version.Int64,
			Hash:         hash.String,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, &es.DBError{Op: "list snapshots", Err: err}
	}
	if !found {
		return nil, es.ErrAggregateNotFound
	}
	return infos, nil
}
