// Package postgres implements the event store, the snapshot store and the
// change notification listener on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/es-aggregate-store/internal/es"
	_ "github.com/lib/pq"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// NotificationBuffer sizes the channel between the listener connection
	// and its dispatch loop.
	NotificationBuffer int
}

// DefaultOptions returns the pool settings used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:       25,
		MaxIdleConns:       5,
		ConnMaxLifetime:    5 * time.Minute,
		NotificationBuffer: 64,
	}
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(ctx context.Context, connStr string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return db, nil
}

// Pool owns the database handle, the prepared statement registry and the
// notification listener bound to it. Whoever opens the pool closes it.
type Pool struct {
	DB         *sql.DB
	Statements *Statements
	Listener   *Listener
	logger     es.Logger
}

// Open connects to connStr and starts a listener on a dedicated connection.
func Open(ctx context.Context, connStr string, opts Options, logger es.Logger) (*Pool, error) {
	db, err := ConnectPostgres(ctx, connStr, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	dialer := &PQDialer{DSN: connStr, BufferSize: opts.NotificationBuffer}
	return NewPool(db, dialer, logger), nil
}

// NewPool wraps an open database and a listener dialer.
func NewPool(db *sql.DB, dialer Dialer, logger es.Logger) *Pool {
	if logger == nil {
		logger = es.NoOpLogger{}
	}
	return &Pool{
		DB:         db,
		Statements: NewStatements(db),
		Listener:   NewListener(dialer, logger),
		logger:     logger,
	}
}

// Close stops the listener, then releases statements and connections.
func (p *Pool) Close() error {
	return errors.Join(
		p.Listener.Close(),
		p.Statements.Close(),
		p.DB.Close(),
	)
}
