package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/example/es-aggregate-store/internal/es"
)

// SnapshotStore is the snapshot chain of one aggregate kind kept next to
// the streams of a Store.
type SnapshotStore[A es.Aggregate[E], E es.Event] struct {
	store        *Store[E]
	kind         string
	newAggregate func() A
}

// NewSnapshotStore binds the aggregate kind produced by newAggregate to store.
func NewSnapshotStore[A es.Aggregate[E], E es.Event](store *Store[E], newAggregate func() A) *SnapshotStore[A, E] {
	return &SnapshotStore[A, E]{
		store:        store,
		kind:         newAggregate().AggregateName(),
		newAggregate: newAggregate,
	}
}

func (s *SnapshotStore[A, E]) GetSnapshot(_ context.Context, streamID string, upTo int64) (*es.Snapshot[A], error) {
	s.store.mu.RLock()
	st, ok := s.store.streams[streamID]
	if !ok {
		s.store.mu.RUnlock()
		return nil, es.ErrAggregateNotFound
	}
	var found *storedSnapshot
	chain := st.snapshots[s.kind]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].version <= upTo {
			c := chain[i]
			found = &c
			break
		}
	}
	token := st.token
	s.store.mu.RUnlock()

	if found == nil {
		return nil, nil
	}
	hash, err := es.HashSnapshot(found.data)
	if err != nil {
		return nil, err
	}
	if hash != found.hash {
		return nil, es.ErrSnapshotHashMismatch
	}
	aggregate := s.newAggregate()
	if err := json.Unmarshal(found.data, aggregate); err != nil {
		return nil, &es.SerializationError{Err: err}
	}
	return &es.Snapshot[A]{
		StreamID:     streamID,
		StreamToken:  token,
		StartVersion: found.startVersion,
		Version:      found.version,
		Aggregate:    aggregate,
		Hash:         found.hash,
	}, nil
}

func (s *SnapshotStore[A, E]) GetAggregate(ctx context.Context, streamID string) (*es.Snapshot[A], error) {
	return es.LoadAggregate[A, E](ctx, s, s.store, streamID, es.Latest, s.newAggregate)
}

func (s *SnapshotStore[A, E]) StoreSnapshot(ctx context.Context, streamID string, startVersion, version int64, aggregate A) error {
	data, hash, err := es.EncodeSnapshot(aggregate)
	if err != nil {
		return err
	}

	s.store.mu.Lock()
	st, ok := s.store.streams[streamID]
	if !ok {
		s.store.mu.Unlock()
		return es.ErrAggregateNotFound
	}
	// same order as the database: chain trigger, check, unique, foreign key.
	// A duplicate start version passes the chain check and fails as a conflict.
	chain := st.snapshots[s.kind]
	parent := len(chain) == 0
	for _, c := range chain {
		if c.version == startVersion || c.startVersion == startVersion {
			parent = true
		}
	}
	if !parent || version <= startVersion {
		s.store.mu.Unlock()
		return &es.InvalidSnapshotVersionError{StartVersion: startVersion, Version: version}
	}
	for _, c := range chain {
		if c.version == version || c.startVersion == startVersion {
			s.store.mu.Unlock()
			return es.ErrConflict
		}
	}
	if version > st.version() {
		s.store.mu.Unlock()
		return &es.EventVersionNotFoundError{Version: version}
	}

	chain = append(chain, storedSnapshot{startVersion: startVersion, version: version, data: data, hash: hash})
	sort.Slice(chain, func(i, j int) bool { return chain[i].version < chain[j].version })

	// prune everything the new snapshot dominates
	var pruned []storedSnapshot
	kept := chain[:0]
	for _, c := range chain {
		if c.version < version {
			pruned = append(pruned, c)
			continue
		}
		kept = append(kept, c)
	}
	st.snapshots[s.kind] = kept
	token := st.token
	s.store.mu.Unlock()

	s.store.notify(es.Notification{
		Kind:        es.SnapshotCreated,
		StreamID:    streamID,
		StreamToken: token,
		AggregateID: s.kind,
		Version:     version,
		Hash:        hash,
	})
	for _, p := range pruned {
		s.store.notify(es.Notification{
			Kind:        es.SnapshotDeleted,
			StreamID:    streamID,
			StreamToken: token,
			AggregateID: s.kind,
			Version:     p.version,
		})
	}
	return nil
}

func (s *SnapshotStore[A, E]) PruneSnapshot(_ context.Context, streamID string, version int64) error {
	s.store.mu.Lock()
	st, ok := s.store.streams[streamID]
	if !ok {
		s.store.mu.Unlock()
		return nil
	}
	var pruned []int64
	kept := st.snapshots[s.kind][:0]
	for _, c := range st.snapshots[s.kind] {
		if c.version <= version {
			pruned = append(pruned, c.version)
			continue
		}
		kept = append(kept, c)
	}
	st.snapshots[s.kind] = kept
	token := st.token
	s.store.mu.Unlock()

	for _, v := range pruned {
		s.store.notify(es.Notification{
			Kind:        es.SnapshotDeleted,
			StreamID:    streamID,
			StreamToken: token,
			AggregateID: s.kind,
			Version:     v,
		})
	}
	return nil
}

func (s *SnapshotStore[A, E]) ListSnapshots(_ context.Context, streamID string) ([]es.SnapshotInfo, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	st, ok := s.store.streams[streamID]
	if !ok {
		return nil, es.ErrAggregateNotFound
	}
	infos := make([]es.SnapshotInfo, 0, len(st.snapshots[s.kind]))
	for _, c := range st.snapshots[s.kind] {
		infos = append(infos, es.SnapshotInfo{
			StreamID:     streamID,
			StreamToken:  st.token,
			AggregateID:  s.kind,
			StartVersion: c.startVersion,
			Version:      c.version,
			Hash:         c.hash,
		})
	}
	return infos, nil
}
