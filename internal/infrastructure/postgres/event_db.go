package postgres

import (
	"context"
	"errors"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/migrations"
)

// ErrContextClosed is returned by a Context after Close.
var ErrContextClosed = errors.New("postgres: context closed")

type eventStatements struct {
	createStream     StatementID
	hasStream        StatementID
	getStreamVersion StatementID
	deleteStream     StatementID
	insertEvent      StatementID
	casHead          StatementID
	getEvents        StatementID
	storeSnapshot    StatementID
	getSnapshot      StatementID
	pruneSnapshot    StatementID
	pruneDominated   StatementID
	listSnapshots    StatementID
}

const (
	sqlCreateStream = `INSERT INTO es_heads_%table% (stream_id, stream_token, version) VALUES ($1, $2, 0)`

	sqlHasStream = `SELECT EXISTS (SELECT 1 FROM es_heads_%table% WHERE stream_id = $1)`

	sqlGetStreamVersion = `SELECT version, stream_token FROM es_heads_%table% WHERE stream_id = $1`

	sqlDeleteStream = `DELETE FROM es_heads_%table% WHERE stream_id = $1`

	sqlInsertEvent = `INSERT INTO es_events_%table% (stream_id, version, event_type, data) VALUES ($1, $2, $3, $4::jsonb)`

	sqlCASHead = `UPDATE es_heads_%table% SET version = $3 WHERE stream_id = $1 AND version = $2`

	// stream existence and its events in one statement
	sqlGetEvents = `SELECT h.stream_token, e.version, e.event_type, e.data::text
FROM es_heads_%table% h
LEFT JOIN es_events_%table% e ON e.stream_id = h.stream_id AND e.version >= $2 AND e.version <= $3
WHERE h.stream_id = $1
ORDER BY e.version ASC`

	sqlStoreSnapshot = `INSERT INTO es_snapshots_%table% (stream_id, aggregate_id, start_version, version, data, hash)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)`

	sqlGetSnapshot = `SELECT h.stream_token, s.start_version, s.version, s.data::text, s.hash
FROM es_heads_%table% h
LEFT JOIN LATERAL (
    SELECT start_version, version, data, hash FROM es_snapshots_%table%
    WHERE stream_id = h.stream_id AND aggregate_id = $2 AND version <= $3
    ORDER BY version DESC
    LIMIT 1
) s ON TRUE
WHERE h.stream_id = $1`

	sqlPruneSnapshot = `DELETE FROM es_snapshots_%table% WHERE stream_id = $1 AND aggregate_id = $2 AND version <= $3`

	sqlPruneDominated = `DELETE FROM es_snapshots_%table% WHERE stream_id = $1 AND aggregate_id = $2 AND version < $3`

	sqlListSnapshots = `SELECT h.stream_token, s.start_version, s.version, s.hash
FROM es_heads_%table% h
LEFT JOIN es_snapshots_%table% s ON s.stream_id = h.stream_id AND s.aggregate_id = $2
WHERE h.stream_id = $1
ORDER BY s.version ASC`
)

// EventDB is the storage of one event family: its stream heads, events and
// snapshots live in tables suffixed with the family name.
type EventDB[E es.Event] struct {
	pool     *Pool
	name     string
	registry *es.EventRegistry[E]
	logger   es.Logger
	stmts    eventStatements
}

// Option configures an EventDB.
type Option func(*eventDBOptions)

type eventDBOptions struct {
	logger es.Logger
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(logger es.Logger) Option {
	return func(o *eventDBOptions) { o.logger = logger }
}

// NewEventDB registers the statements of the event family name on pool.
func NewEventDB[E es.Event](pool *Pool, name string, registry *es.EventRegistry[E], opts ...Option) (*EventDB[E], error) {
	if err := migrations.Validate(name); err != nil {
		return nil, err
	}

	o := eventDBOptions{logger: pool.logger}
	for _, opt := range opts {
		opt(&o)
	}

	s := pool.Statements
	return &EventDB[E]{
		pool:     pool,
		name:     name,
		registry: registry,
		logger:   o.logger,
		stmts: eventStatements{
			createStream:     s.Register(sqlCreateStream, name),
			hasStream:        s.Register(sqlHasStream, name),
			getStreamVersion: s.Register(sqlGetStreamVersion, name),
			deleteStream:     s.Register(sqlDeleteStream, name),
			insertEvent:      s.Register(sqlInsertEvent, name),
			casHead:          s.Register(sqlCASHead, name),
			getEvents:        s.Register(sqlGetEvents, name),
			storeSnapshot:    s.Register(sqlStoreSnapshot, name),
			getSnapshot:      s.Register(sqlGetSnapshot, name),
			pruneSnapshot:    s.Register(sqlPruneSnapshot, name),
			pruneDominated:   s.Register(sqlPruneDominated, name),
			listSnapshots:    s.Register(sqlListSnapshots, name),
		},
	}, nil
}

// Name is the event family name used in table and channel names.
func (db *EventDB[E]) Name() string { return db.name }

// Channel is the notification channel of this event family.
func (db *EventDB[E]) Channel() string { return migrations.Channel(db.name) }

// Migrations returns the schema migrations of this event family.
func (db *EventDB[E]) Migrations() []string {
	steps, _ := migrations.Migrations(db.name)
	return steps
}

// Migrate applies Migrations in one transaction.
func (db *EventDB[E]) Migrate(ctx context.Context) error {
	return migrations.Apply(ctx, db.pool.DB, db.name)
}

// CreateContext returns a handle for store and snapshot operations.
func (db *EventDB[E]) CreateContext(ctx context.Context) (*Context[E], error) {
	if err := db.pool.DB.PingContext(ctx); err != nil {
		return nil, &es.DBError{Op: "create context", Err: err}
	}
	return &Context[E]{db: db}, nil
}

// ListenToStreamUpdates delivers decoded change notifications of this event
// family to handler. Undecodable payloads are logged and dropped.
func (db *EventDB[E]) ListenToStreamUpdates(ctx context.Context, handler func(es.Notification)) error {
	channel := db.Channel()
	return db.pool.Listener.Listen(ctx, channel, func(payload string) {
		n, err := es.DecodeNotification(payload)
		if err != nil {
			db.logger.Error(context.Background(), "dropping notification", "channel", channel, "error", err)
			return
		}
		handler(n)
	})
}

// UnlistenToStreamUpdates stops delivering notifications of this event family.
func (db *EventDB[E]) UnlistenToStreamUpdates(ctx context.Context) error {
	return db.pool.Listener.Unlisten(ctx, db.Channel())
}
