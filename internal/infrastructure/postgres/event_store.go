package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// CreateStream creates an empty stream at version 0 and returns its token.
func (c *Context[E]) CreateStream(ctx context.Context, streamID string) (token uuid.UUID, err error) {
	ctx, span := startSpan(ctx, "CreateStream", c.db.name, streamID)
	defer func() { endSpan(span, err) }()

	stmt, err := c.stmt(ctx, c.db.stmts.createStream)
	if err != nil {
		return uuid.Nil, err
	}

	token = uuid.New()
	if _, err = stmt.ExecContext(ctx, streamID, token); err != nil {
		if isConstraint(err, c.headsTable()+"_pkey") {
			return uuid.Nil, es.ErrConflict
		}
		return uuid.Nil, &es.DBError{Op: "create stream", Err: err}
	}
	return token, nil
}

// HasStream reports whether the stream exists. The answer may be stale by
// the time a later call runs; operations re-check existence themselves.
func (c *Context[E]) HasStream(ctx context.Context, streamID string) (exists bool, err error) {
	ctx, span := startSpan(ctx, "HasStream", c.db.name, streamID)
	defer func() { endSpan(span, err) }()

	stmt, err := c.stmt(ctx, c.db.stmts.hasStream)
	if err != nil {
		return false, err
	}
	if err = stmt.QueryRowContext(ctx, streamID).Scan(&exists); err != nil {
		return false, &es.DBError{Op: "has stream", Err: err}
	}
	return exists, nil
}

// GetStreamVersion returns the stream head, or false when it does not exist.
func (c *Context[E]) GetStreamVersion(ctx context.Context, streamID string) (head es.StreamVersion, found bool, err error) {
	ctx, span := startSpan(ctx, "GetStreamVersion", c.db.name, streamID)
	defer func() { endSpan(span, err) }()

	stmt, err := c.stmt(ctx, c.db.stmts.getStreamVersion)
	if err != nil {
		return es.StreamVersion{}, false, err
	}
	err = stmt.QueryRowContext(ctx, streamID).Scan(&head.Version, &head.StreamToken)
	if errors.Is(err, sql.ErrNoRows) {
		return es.StreamVersion{}, false, nil
	}
	if err != nil {
		return es.StreamVersion{}, false, &es.DBError{Op: "get stream version", Err: err}
	}
	return head, true, nil
}

// DeleteStream removes the stream with its events and snapshots.
func (c *Context[E]) DeleteStream(ctx context.Context, streamID string) (err error) {
	ctx, span := startSpan(ctx, "DeleteStream", c.db.name, streamID)
	defer func() { endSpan(span, err) }()

	stmt, err := c.stmt(ctx, c.db.stmts.deleteStream)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, streamID)
	if err != nil {
		return &es.DBError{Op: "delete stream", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &es.DBError{Op: "delete stream", Err: err}
	}
	if n == 0 {
		return es.ErrStreamNotFound
	}
	return nil
}

type encodedEvent struct {
	eventType string
	data      []byte
}

// StoreEvents appends events after checking the expected version and
// returns the new stream version. The head is moved with a compare and swap
// inside the same transaction, so concurrent appenders from the same
// version see exactly one winner and es.ErrConflict for the rest.
func (c *Context[E]) StoreEvents(ctx context.Context, streamID string, expected es.ExpectedVersion, events []E) (version int64, err error) {
	ctx, span := startSpan(ctx, "StoreEvents", c.db.name, streamID,
		attribute.String("es.expected_version", expected.String()),
		attribute.Int("es.event_count", len(events)),
	)
	defer func() { endSpan(span, err) }()

	if len(events) == 0 && expected.IsAny() {
		return 0, es.ErrNoEvents
	}

	encoded := make([]encodedEvent, 0, len(events))
	for _, event := range events {
		eventType, data, err := c.db.registry.Encode(event)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, encodedEvent{eventType: eventType, data: data})
	}

	getHead, err := c.stmt(ctx, c.db.stmts.getStreamVersion)
	if err != nil {
		return 0, err
	}
	insert, err := c.stmt(ctx, c.db.stmts.insertEvent)
	if err != nil {
		return 0, err
	}
	cas, err := c.stmt(ctx, c.db.stmts.casHead)
	if err != nil {
		return 0, err
	}

	tx, err := c.db.pool.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, &es.DBError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var token uuid.UUID
	err = tx.StmtContext(ctx, getHead).QueryRowContext(ctx, streamID).Scan(&current, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, es.ErrStreamNotFound
	}
	if err != nil {
		return 0, &es.DBError{Op: "read stream version", Err: err}
	}

	if !expected.Matches(current) {
		return 0, es.ErrConflict
	}

	txInsert := tx.StmtContext(ctx, insert)
	for i, e := range encoded {
		if _, err = txInsert.ExecContext(ctx, streamID, current+int64(i)+1, e.eventType, string(e.data)); err != nil {
			if isConstraint(err, c.eventsTable()+"_pkey") {
				return 0, es.ErrConflict
			}
			return 0, &es.DBError{Op: "insert event", Err: err}
		}
	}

	version = current + int64(len(encoded))
	if len(encoded) > 0 {
		res, err := tx.StmtContext(ctx, cas).ExecContext(ctx, streamID, current, version)
		if err != nil {
			return 0, &es.DBError{Op: "update stream version", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &es.DBError{Op: "update stream version", Err: err}
		}
		if n == 0 {
			return 0, es.ErrConflict
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, &es.DBError{Op: "commit", Err: err}
	}
	return version, nil
}

// GetEvents returns the events in [from, to] in version order. Existence of
// the stream is checked by the same statement.
func (c *Context[E]) GetEvents(ctx context.Context, streamID string, from, to int64) (events []es.StoredEvent[E], err error) {
	ctx, span := startSpan(ctx, "GetEvents", c.db.name, streamID,
		attribute.Int64("es.from_version", from),
		attribute.Int64("es.to_version", to),
	)
	defer func() { endSpan(span, err) }()

	if from < es.FromStart {
		from = es.FromStart
	}

	stmt, err := c.stmt(ctx, c.db.stmts.getEvents)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, streamID, from, to)
	if err != nil {
		return nil, &es.DBError{Op: "get events", Err: err}
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true

		var (
			token     uuid.UUID
			version   sql.NullInt64
			eventType sql.NullString
			data      sql.NullString
		)
		if err = rows.Scan(&token, &version, &eventType, &data); err != nil {
			return nil, &es.DBError{Op: "get events", Err: err}
		}
		if !version.Valid {
			continue
		}

		event, err := c.db.registry.Decode(eventType.String, []byte(data.String))
		if err != nil {
			return nil, fmt.Errorf("event %d of %s: %w", version.Int64, streamID, err)
		}
		events = append(events, es.StoredEvent[E]{
			Version:     version.Int64,
			StreamToken: token,
			Event:       event,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, &es.DBError{Op: "get events", Err: err}
	}
	if !found {
		return nil, es.ErrStreamNotFound
	}
	return events, nil
}
