package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// StatementID identifies a registered statement in a Statements registry.
type StatementID uint32

// Statements is the pool-wide registry of SQL templates. Each template is
// prepared on first use and the prepared handle is shared by every caller;
// database/sql re-prepares it transparently on each pooled connection.
type Statements struct {
	db     *sql.DB
	nextID atomic.Uint32

	mu       sync.Mutex
	sql      map[StatementID]string
	prepared map[StatementID]*sql.Stmt
}

func NewStatements(db *sql.DB) *Statements {
	return &Statements{
		db:       db,
		sql:      make(map[StatementID]string),
		prepared: make(map[StatementID]*sql.Stmt),
	}
}

// Register stores template with %table% replaced by table and returns its id.
func (s *Statements) Register(template, table string) StatementID {
	id := StatementID(s.nextID.Add(1))
	query := strings.ReplaceAll(template, "%table%", table)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sql[id] = query
	return id
}

// SQL returns the query text of id. Unknown ids panic.
func (s *Statements) SQL(id StatementID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, ok := s.sql[id]
	if !ok {
		panic(fmt.Sprintf("postgres: statement %d is not registered", id))
	}
	return query
}

// Prepare returns the prepared handle of id, preparing it on first use.
// Unknown ids panic.
func (s *Statements) Prepare(ctx context.Context, id StatementID) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.prepared[id]; ok {
		return stmt, nil
	}
	query, ok := s.sql[id]
	if !ok {
		panic(fmt.Sprintf("postgres: statement %d is not registered", id))
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement %d: %w", id, err)
	}
	s.prepared[id] = stmt
	return stmt, nil
}

// Close releases every prepared handle.
func (s *Statements) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, stmt := range s.prepared {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.prepared, id)
	}
	return firstErr
}
