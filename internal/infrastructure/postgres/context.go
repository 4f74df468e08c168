package postgres

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/migrations"
)

// Context runs store operations of one event family. Connections are
// checked out from the pool per statement or per transaction, so a Context
// is cheap and may be used by one caller at a time.
type Context[E es.Event] struct {
	db     *EventDB[E]
	closed atomic.Bool
}

var _ es.EventStore[es.Event] = (*Context[es.Event])(nil)

// Close invalidates the context. It does not close the pool.
func (c *Context[E]) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Context[E]) stmt(ctx context.Context, id StatementID) (*sql.Stmt, error) {
	if c.closed.Load() {
		return nil, ErrContextClosed
	}
	stmt, err := c.db.pool.Statements.Prepare(ctx, id)
	if err != nil {
		return nil, &es.DBError{Op: "prepare", Err: err}
	}
	return stmt, nil
}

func (c *Context[E]) headsTable() string     { return migrations.HeadsTable(c.db.name) }
func (c *Context[E]) eventsTable() string    { return migrations.EventsTable(c.db.name) }
func (c *Context[E]) snapshotsTable() string { return migrations.SnapshotsTable(c.db.name) }
