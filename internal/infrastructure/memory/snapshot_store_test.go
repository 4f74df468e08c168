package memory

import (
	"context"
	"testing"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamWithEvents(t *testing.T, n int) (*Store[*added], *SnapshotStore[*counter, *added], *[]es.Notification) {
	t.Helper()
	store, snapshots, notifications := newTestStore()
	ctx := context.Background()
	_, err := store.CreateStream(ctx, "s-1")
	require.NoError(t, err)
	events := make([]int, n)
	for i := range events {
		events[i] = 1
	}
	_, err = store.StoreEvents(ctx, "s-1", es.Exact(0), adds(events...))
	require.NoError(t, err)
	*notifications = nil
	return store, snapshots, notifications
}

// ============================================
// StoreSnapshot Tests
// ============================================

func TestSnapshotStore_ChainAndPrune(t *testing.T) {
	_, snapshots, notifications := newTestStreamWithEvents(t, 25)
	ctx := context.Background()

	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{Total: 10}))
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 10, 20, &counter{Total: 20}))

	infos, err := snapshots.ListSnapshots(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(10), infos[0].StartVersion)
	assert.Equal(t, int64(20), infos[0].Version)

	kinds := make([]es.NotificationKind, 0, len(*notifications))
	for _, n := range *notifications {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []es.NotificationKind{es.SnapshotCreated, es.SnapshotCreated, es.SnapshotDeleted}, kinds)
	assert.Equal(t, int64(10), (*notifications)[2].Version)
}

func TestSnapshotStore_BrokenChain(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 25)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{}))

	err := snapshots.StoreSnapshot(ctx, "s-1", 5, 15, &counter{})

	assert.ErrorIs(t, err, es.ErrInvalidSnapshotVersion)
}

func TestSnapshotStore_VersionNotAfterStart(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 5)

	err := snapshots.StoreSnapshot(context.Background(), "s-1", 0, 0, &counter{})

	var invalid *es.InvalidSnapshotVersionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int64(0), invalid.StartVersion)
}

func TestSnapshotStore_SameStartConflicts(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 25)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{}))

	// two writers folded from the same start
	err := snapshots.StoreSnapshot(ctx, "s-1", 0, 12, &counter{})

	assert.ErrorIs(t, err, es.ErrConflict)
}

func TestSnapshotStore_SameVersionConflicts(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 25)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{}))
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 10, 20, &counter{}))

	err := snapshots.StoreSnapshot(ctx, "s-1", 10, 20, &counter{})

	assert.ErrorIs(t, err, es.ErrConflict)
}

func TestSnapshotStore_BeyondHead(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 5)

	err := snapshots.StoreSnapshot(context.Background(), "s-1", 0, 10, &counter{})

	assert.ErrorIs(t, err, es.ErrEventVersionNotFound)
}

func TestSnapshotStore_MissingStream(t *testing.T) {
	_, snapshots, _ := newTestStore()

	err := snapshots.StoreSnapshot(context.Background(), "missing", 0, 1, &counter{})

	assert.ErrorIs(t, err, es.ErrAggregateNotFound)
	assert.ErrorIs(t, err, es.ErrStreamNotFound)
}

// ============================================
// Read Tests
// ============================================

func TestSnapshotStore_GetSnapshot(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 25)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{Total: 10}))

	s, err := snapshots.GetSnapshot(ctx, "s-1", es.Latest)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 10, s.Aggregate.Total)
	assert.Equal(t, int64(10), s.Version)
	assert.NotEmpty(t, s.Hash)

	below, err := snapshots.GetSnapshot(ctx, "s-1", 9)
	require.NoError(t, err)
	assert.Nil(t, below)
}

func TestSnapshotStore_GetSnapshot_MissingStream(t *testing.T) {
	_, snapshots, _ := newTestStore()

	_, err := snapshots.GetSnapshot(context.Background(), "missing", es.Latest)

	assert.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestSnapshotStore_GetSnapshot_HashMismatch(t *testing.T) {
	store, snapshots, _ := newTestStreamWithEvents(t, 10)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{Total: 10}))

	store.streams["s-1"].snapshots["counter"][0].data = []byte(`{"total":11}`)

	_, err := snapshots.GetSnapshot(ctx, "s-1", es.Latest)
	assert.ErrorIs(t, err, es.ErrSnapshotHashMismatch)
}

func TestSnapshotStore_GetAggregate_FoldsAfterSnapshot(t *testing.T) {
	store, snapshots, _ := newTestStreamWithEvents(t, 12)
	ctx := context.Background()
	// snapshot content differs from the fold on purpose to prove it is used
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{Total: 100}))
	_, err := store.StoreEvents(ctx, "s-1", es.Exact(12), adds(5))
	require.NoError(t, err)

	s, err := snapshots.GetAggregate(ctx, "s-1")

	require.NoError(t, err)
	assert.Equal(t, int64(13), s.Version)
	assert.Equal(t, int64(10), s.StartVersion)
	assert.Equal(t, 107, s.Aggregate.Total)
}

func TestSnapshotStore_GetAggregate_NoSnapshot(t *testing.T) {
	_, snapshots, _ := newTestStreamWithEvents(t, 3)

	s, err := snapshots.GetAggregate(context.Background(), "s-1")

	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Version)
	assert.Equal(t, 3, s.Aggregate.Total)
}

// ============================================
// PruneSnapshot Tests
// ============================================

func TestSnapshotStore_PruneSnapshot_Inclusive(t *testing.T) {
	_, snapshots, notifications := newTestStreamWithEvents(t, 25)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{}))
	*notifications = nil

	require.NoError(t, snapshots.PruneSnapshot(ctx, "s-1", 10))

	infos, err := snapshots.ListSnapshots(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
	require.Len(t, *notifications, 1)
	assert.Equal(t, es.SnapshotDeleted, (*notifications)[0].Kind)

	// an empty chain accepts a new root
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 20, 25, &counter{}))
}

func TestSnapshotStore_PruneSnapshot_MissingStreamIsNoop(t *testing.T) {
	_, snapshots, _ := newTestStore()

	assert.NoError(t, snapshots.PruneSnapshot(context.Background(), "missing", 10))
}

func TestSnapshotStore_DeleteStreamDropsSnapshots(t *testing.T) {
	store, snapshots, _ := newTestStreamWithEvents(t, 10)
	ctx := context.Background()
	require.NoError(t, snapshots.StoreSnapshot(ctx, "s-1", 0, 10, &counter{}))

	require.NoError(t, store.DeleteStream(ctx, "s-1"))
	_, err := store.CreateStream(ctx, "s-1")
	require.NoError(t, err)

	infos, err := snapshots.ListSnapshots(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}
