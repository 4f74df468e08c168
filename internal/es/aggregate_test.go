package es

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type added struct {
	N int `json:"n"`
}

func (*added) EventType() string { return "Added" }

type counter struct {
	Total int `json:"total"`
	Fail  bool
}

func (*counter) AggregateName() string { return "counter" }

func (c *counter) Apply(e *added) error {
	if c.Fail {
		return errors.New("boom")
	}
	c.Total += e.N
	return nil
}

func storedAdds(token uuid.UUID, versions ...int64) []StoredEvent[*added] {
	events := make([]StoredEvent[*added], 0, len(versions))
	for _, v := range versions {
		events = append(events, StoredEvent[*added]{Version: v, StreamToken: token, Event: &added{N: int(v)}})
	}
	return events
}

// ============================================
// Fold Tests
// ============================================

func TestFold_AppliesContiguousEvents(t *testing.T) {
	c := &counter{}

	version, err := Fold(c, 0, storedAdds(uuid.New(), 1, 2, 3))

	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, 6, c.Total)
}

func TestFold_SkipsEventsAtOrBelowVersion(t *testing.T) {
	c := &counter{}

	version, err := Fold(c, 2, storedAdds(uuid.New(), 1, 2, 3, 4))

	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, 7, c.Total)
}

func TestFold_GapFails(t *testing.T) {
	c := &counter{}

	version, err := Fold(c, 0, storedAdds(uuid.New(), 1, 3))

	assert.ErrorIs(t, err, ErrEventOutOfOrder)
	var gap *EventOutOfOrderError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, int64(2), gap.Expected)
	assert.Equal(t, int64(3), gap.Got)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 1, c.Total)
}

func TestFold_ApplyErrorStops(t *testing.T) {
	c := &counter{Fail: true}

	version, err := Fold(c, 0, storedAdds(uuid.New(), 1))

	assert.Error(t, err)
	assert.Equal(t, int64(0), version)
}

func TestFold_EmptyIsNoop(t *testing.T) {
	c := &counter{}

	version, err := Fold(c, 5, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
}

// ============================================
// ApplyEvents Tests
// ============================================

func TestApplyEvents_UpdatesVersionAndToken(t *testing.T) {
	token := uuid.New()
	s := NewSnapshot("s-1", &counter{})

	err := ApplyEvents(s, storedAdds(token, 1, 2))

	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
	assert.Equal(t, token, s.StreamToken)
	assert.Equal(t, int64(2), s.Pending())

	s.Rebase()
	assert.Equal(t, int64(0), s.Pending())
	assert.Equal(t, int64(2), s.StartVersion)
}

func TestApplyEvents_GapKeepsLastAppliedVersion(t *testing.T) {
	s := NewSnapshot("s-1", &counter{})

	err := ApplyEvents(s, storedAdds(uuid.New(), 1, 2, 4))

	assert.ErrorIs(t, err, ErrEventOutOfOrder)
	assert.Equal(t, int64(2), s.Version)
}

// ============================================
// LoadAggregate / MaybeSnapshot Tests
// ============================================

type fakeSnapshots struct {
	snapshot *Snapshot[*counter]
	err      error
	stored   []SnapshotInfo
}

func (f *fakeSnapshots) GetSnapshot(_ context.Context, _ string, _ int64) (*Snapshot[*counter], error) {
	return f.snapshot, f.err
}

func (f *fakeSnapshots) StoreSnapshot(_ context.Context, streamID string, start, version int64, _ *counter) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, SnapshotInfo{StreamID: streamID, StartVersion: start, Version: version})
	return nil
}

type fakeEvents struct {
	events   []StoredEvent[*added]
	from, to int64
}

func (f *fakeEvents) GetEvents(_ context.Context, _ string, from, to int64) ([]StoredEvent[*added], error) {
	f.from, f.to = from, to
	return f.events, nil
}

func TestLoadAggregate_FromSnapshotAndEvents(t *testing.T) {
	token := uuid.New()
	snapshots := &fakeSnapshots{snapshot: &Snapshot[*counter]{
		StreamID: "s-1", StreamToken: token, StartVersion: 0, Version: 2, Aggregate: &counter{Total: 3},
	}}
	events := &fakeEvents{events: storedAdds(token, 3, 4)}

	s, err := LoadAggregate[*counter, *added](context.Background(), snapshots, events, "s-1", Latest, func() *counter { return &counter{} })

	require.NoError(t, err)
	assert.Equal(t, int64(3), events.from)
	assert.Equal(t, Latest, events.to)
	assert.Equal(t, int64(2), s.StartVersion)
	assert.Equal(t, int64(4), s.Version)
	assert.Equal(t, 10, s.Aggregate.Total)
}

func TestLoadAggregate_NoSnapshotStartsFresh(t *testing.T) {
	events := &fakeEvents{events: storedAdds(uuid.New(), 1)}

	s, err := LoadAggregate[*counter, *added](context.Background(), &fakeSnapshots{}, events, "s-1", Latest, func() *counter { return &counter{} })

	require.NoError(t, err)
	assert.Equal(t, int64(1), events.from)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, int64(0), s.StartVersion)
}

func TestLoadAggregate_SnapshotErrorPropagates(t *testing.T) {
	snapshots := &fakeSnapshots{err: ErrAggregateNotFound}

	_, err := LoadAggregate[*counter, *added](context.Background(), snapshots, &fakeEvents{}, "s-1", Latest, func() *counter { return &counter{} })

	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestMaybeSnapshot_BelowThreshold(t *testing.T) {
	writer := &fakeSnapshots{}
	s := &Snapshot[*counter]{StreamID: "s-1", StartVersion: 0, Version: 9, Aggregate: &counter{}}

	wrote, err := MaybeSnapshot[*counter](context.Background(), writer, s, SnapshotThreshold)

	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Empty(t, writer.stored)
}

func TestMaybeSnapshot_AtThresholdRebases(t *testing.T) {
	writer := &fakeSnapshots{}
	s := &Snapshot[*counter]{StreamID: "s-1", StartVersion: 0, Version: 10, Aggregate: &counter{}}

	wrote, err := MaybeSnapshot[*counter](context.Background(), writer, s, SnapshotThreshold)

	require.NoError(t, err)
	assert.True(t, wrote)
	require.Len(t, writer.stored, 1)
	assert.Equal(t, int64(0), writer.stored[0].StartVersion)
	assert.Equal(t, int64(10), writer.stored[0].Version)
	assert.Equal(t, int64(10), s.StartVersion)
}

func TestMaybeSnapshot_WriteErrorKeepsStart(t *testing.T) {
	writer := &fakeSnapshots{err: ErrConflict}
	s := &Snapshot[*counter]{StreamID: "s-1", StartVersion: 0, Version: 12, Aggregate: &counter{}}

	wrote, err := MaybeSnapshot[*counter](context.Background(), writer, s, SnapshotThreshold)

	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, wrote)
	assert.Equal(t, int64(0), s.StartVersion)
}

func TestEncodeSnapshot_HashIsStable(t *testing.T) {
	data, hash, err := EncodeSnapshot(&counter{Total: 7})

	require.NoError(t, err)
	assert.JSONEq(t, `{"total":7,"Fail":false}`, string(data))
	rehashed, err := HashSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, rehashed, hash)
	assert.Len(t, hash, 64)
}

func TestHashSnapshot_SurvivesJSONBNormalization(t *testing.T) {
	tests := []struct {
		name    string
		written string
		stored  string
	}{
		{"key order", `{"meta":{"b":1,"a":2},"tags":null}`, `{"tags": null, "meta": {"a": 2, "b": 1}}`},
		{"large integer", `{"tags":{"id":9007199254740993}}`, `{"tags": {"id": 9007199254740993}}`},
		{"number spelling", `{"n":1e2,"f":0.5}`, `{"f": 0.50, "n": 100}`},
		{"duplicate keys", `{"a":1,"a":2}`, `{"a": 2}`},
		{"escaped text", `{"s":"\u003ctag\u003e"}`, `{"s": "<tag>"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			written, err := HashSnapshot([]byte(tt.written))
			require.NoError(t, err)
			stored, err := HashSnapshot([]byte(tt.stored))
			require.NoError(t, err)
			assert.Equal(t, written, stored)
		})
	}
}

func TestHashSnapshot_DetectsChangedContent(t *testing.T) {
	a, err := HashSnapshot([]byte(`{"id":9007199254740993}`))
	require.NoError(t, err)
	b, err := HashSnapshot([]byte(`{"id":9007199254740992}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashSnapshot_InvalidJSON(t *testing.T) {
	_, err := HashSnapshot([]byte(`{"id":`))
	assert.ErrorIs(t, err, ErrSerialization)
}
