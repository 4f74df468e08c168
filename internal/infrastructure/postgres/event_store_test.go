package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/example/es-aggregate-store/internal/es"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type added struct {
	N int `json:"n"`
}

func (*added) EventType() string { return "Added" }

type counter struct {
	Total int `json:"total"`
}

func (*counter) AggregateName() string { return "counter" }

func (c *counter) Apply(e *added) error {
	c.Total += e.N
	return nil
}

type failingDialer struct{}

func (failingDialer) Dial(context.Context) (Conn, error) {
	return nil, errors.New("no listener in tests")
}

// newTestContext returns a Context over a single mocked connection, so
// statements prepared on the pool are reused inside transactions.
func newTestContext(t *testing.T) (*Context[*added], sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	pool := NewPool(db, failingDialer{}, nil)
	t.Cleanup(func() {
		_ = pool.Listener.Close()
		_ = db.Close()
	})

	registry := es.NewEventRegistry[*added]().Register("Added", func() *added { return &added{} })
	eventDB, err := NewEventDB(pool, "order", registry)
	require.NoError(t, err)

	c, err := eventDB.CreateContext(context.Background())
	require.NoError(t, err)
	return c, mock
}

const (
	qGetHead   = `SELECT version, stream_token FROM es_heads_order WHERE stream_id = \$1`
	qInsert    = `INSERT INTO es_events_order`
	qCAS       = `UPDATE es_heads_order SET version = \$3 WHERE stream_id = \$1 AND version = \$2`
	qGetEvents = `SELECT h.stream_token, e.version, e.event_type, e.data::text`
)

func expectStorePrepares(mock sqlmock.Sqlmock) (head, insert, cas *sqlmock.ExpectedPrepare) {
	head = mock.ExpectPrepare(qGetHead)
	insert = mock.ExpectPrepare(qInsert)
	cas = mock.ExpectPrepare(qCAS)
	return head, insert, cas
}

func pqErr(code, constraint string) error {
	return &pq.Error{Code: pq.ErrorCode(code), Constraint: constraint}
}

// ============================================
// CreateStream / DeleteStream Tests
// ============================================

func TestContext_CreateStream(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(`INSERT INTO es_heads_order`).
		ExpectExec().
		WithArgs("s-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := c.CreateStream(context.Background(), "s-1")

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_CreateStream_Exists(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(`INSERT INTO es_heads_order`).
		ExpectExec().
		WillReturnError(pqErr("23505", "es_heads_order_pkey"))

	_, err := c.CreateStream(context.Background(), "s-1")

	assert.ErrorIs(t, err, es.ErrConflict)
}

func TestContext_DeleteStream_NotFound(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(`DELETE FROM es_heads_order`).
		ExpectExec().
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.DeleteStream(context.Background(), "missing")

	assert.ErrorIs(t, err, es.ErrStreamNotFound)
}

func TestContext_HasStream(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(`SELECT EXISTS`).
		ExpectQuery().
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := c.HasStream(context.Background(), "s-1")

	require.NoError(t, err)
	assert.True(t, exists)
}

func TestContext_GetStreamVersion_NotFound(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(qGetHead).
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}))

	_, found, err := c.GetStreamVersion(context.Background(), "missing")

	require.NoError(t, err)
	assert.False(t, found)
}

// ============================================
// StoreEvents Tests
// ============================================

func TestContext_StoreEvents_Success(t *testing.T) {
	c, mock := newTestContext(t)
	token := uuid.New()

	head, insert, cas := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}).AddRow(int64(1), token.String()))
	insert.ExpectExec().WithArgs("s-1", int64(2), "Added", `{"n":1}`).WillReturnResult(sqlmock.NewResult(0, 1))
	insert.ExpectExec().WithArgs("s-1", int64(3), "Added", `{"n":2}`).WillReturnResult(sqlmock.NewResult(0, 1))
	cas.ExpectExec().WithArgs("s-1", int64(1), int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	version, err := c.StoreEvents(context.Background(), "s-1", es.Exact(1), []*added{{N: 1}, {N: 2}})

	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_ExpectedVersionMismatch(t *testing.T) {
	c, mock := newTestContext(t)

	head, _, _ := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}).AddRow(int64(2), uuid.NewString()))
	mock.ExpectRollback()

	_, err := c.StoreEvents(context.Background(), "s-1", es.Exact(1), []*added{{N: 1}})

	assert.ErrorIs(t, err, es.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_StreamNotFound(t *testing.T) {
	c, mock := newTestContext(t)

	head, _, _ := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}))
	mock.ExpectRollback()

	_, err := c.StoreEvents(context.Background(), "missing", es.Any(), []*added{{N: 1}})

	assert.ErrorIs(t, err, es.ErrStreamNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_LostRaceOnInsert(t *testing.T) {
	c, mock := newTestContext(t)

	head, insert, _ := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}).AddRow(int64(0), uuid.NewString()))
	insert.ExpectExec().WillReturnError(pqErr("23505", "es_events_order_pkey"))
	mock.ExpectRollback()

	_, err := c.StoreEvents(context.Background(), "s-1", es.Any(), []*added{{N: 1}})

	assert.ErrorIs(t, err, es.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_LostRaceOnHead(t *testing.T) {
	c, mock := newTestContext(t)

	head, insert, cas := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}).AddRow(int64(0), uuid.NewString()))
	insert.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	cas.ExpectExec().WithArgs("s-1", int64(0), int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := c.StoreEvents(context.Background(), "s-1", es.Exact(0), []*added{{N: 1}})

	assert.ErrorIs(t, err, es.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_EmptyExactOnlyChecksVersion(t *testing.T) {
	c, mock := newTestContext(t)

	head, _, _ := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"version", "stream_token"}).AddRow(int64(4), uuid.NewString()))
	mock.ExpectCommit()

	version, err := c.StoreEvents(context.Background(), "s-1", es.Exact(4), nil)

	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_EmptyAny(t *testing.T) {
	c, mock := newTestContext(t)

	_, err := c.StoreEvents(context.Background(), "s-1", es.Any(), nil)

	assert.ErrorIs(t, err, es.ErrNoEvents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContext_StoreEvents_DriverError(t *testing.T) {
	c, mock := newTestContext(t)

	head, _, _ := expectStorePrepares(mock)
	mock.ExpectBegin()
	head.ExpectQuery().WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := c.StoreEvents(context.Background(), "s-1", es.Any(), []*added{{N: 1}})

	assert.ErrorIs(t, err, es.ErrDB)
}

// ============================================
// GetEvents Tests
// ============================================

func TestContext_GetEvents(t *testing.T) {
	c, mock := newTestContext(t)
	token := uuid.New()

	mock.ExpectPrepare(qGetEvents).
		ExpectQuery().
		WithArgs("s-1", int64(1), es.Latest).
		WillReturnRows(sqlmock.NewRows([]string{"stream_token", "version", "event_type", "data"}).
			AddRow(token.String(), int64(1), "Added", `{"n": 4}`).
			AddRow(token.String(), int64(2), "Added", `{"n": 5}`))

	events, err := c.GetEvents(context.Background(), "s-1", 1, es.Latest)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, token, events[0].StreamToken)
	assert.Equal(t, 4, events[0].Event.N)
	assert.Equal(t, int64(2), events[1].Version)
}

func TestContext_GetEvents_StreamWithoutEvents(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(qGetEvents).
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"stream_token", "version", "event_type", "data"}).
			AddRow(uuid.NewString(), nil, nil, nil))

	events, err := c.GetEvents(context.Background(), "s-1", es.FromStart, es.Latest)

	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestContext_GetEvents_NotFound(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(qGetEvents).
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"stream_token", "version", "event_type", "data"}))

	_, err := c.GetEvents(context.Background(), "missing", es.FromStart, es.Latest)

	assert.ErrorIs(t, err, es.ErrStreamNotFound)
}

func TestContext_GetEvents_UnknownType(t *testing.T) {
	c, mock := newTestContext(t)

	mock.ExpectPrepare(qGetEvents).
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"stream_token", "version", "event_type", "data"}).
			AddRow(uuid.NewString(), int64(1), "Removed", `{}`))

	_, err := c.GetEvents(context.Background(), "s-1", es.FromStart, es.Latest)

	assert.ErrorIs(t, err, es.ErrUnknownEventType)
}

// ============================================
// Context Tests
// ============================================

func TestContext_Closed(t *testing.T) {
	c, mock := newTestContext(t)
	require.NoError(t, c.Close())

	_, err := c.GetEvents(context.Background(), "s-1", es.FromStart, es.Latest)

	assert.ErrorIs(t, err, ErrContextClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewEventDB_InvalidName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	pool := NewPool(db, failingDialer{}, nil)
	defer pool.Close()

	_, err = NewEventDB(pool, "Order; DROP", es.NewEventRegistry[*added]())

	assert.Error(t, err)
}

func TestEventDB_Names(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	pool := NewPool(db, failingDialer{}, nil)
	defer pool.Close()

	eventDB, err := NewEventDB(pool, "order", es.NewEventRegistry[*added]())
	require.NoError(t, err)

	assert.Equal(t, "order", eventDB.Name())
	assert.Equal(t, "es_notification_order", eventDB.Channel())
	assert.Len(t, eventDB.Migrations(), 3)
}
