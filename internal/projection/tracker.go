// Package projection keeps a read-side view of stream heads and snapshot
// tips built from change notifications.
package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/notification"
	"github.com/google/uuid"
)

// StreamView is the last known state of one stream.
type StreamView struct {
	StreamID    string
	StreamToken uuid.UUID
	Version     int64
	// Snapshots maps a snapshot kind to its latest known version.
	Snapshots map[string]int64
	// Recreated is set when a notification carried a new token for a known id.
	Recreated bool
}

// Change is passed to the OnChange callback after a view was updated.
type Change struct {
	Notification es.Notification
	View         StreamView
	// Stale is set when the notification was older than the view and ignored.
	Stale bool
}

// Tracker applies notifications to stream views. Notifications are delivered
// at least once and may arrive out of order; a version at or below the known
// one for the same token is stale and a different token resets the view.
type Tracker struct {
	mu      sync.RWMutex
	streams map[string]*StreamView

	logger   es.Logger
	OnChange func(Change)
}

func NewTracker(logger es.Logger) *Tracker {
	if logger == nil {
		logger = es.NoOpLogger{}
	}
	return &Tracker{
		streams: make(map[string]*StreamView),
		logger:  logger,
	}
}

// HandleMessage decodes a relayed Kafka message and applies it.
func (t *Tracker) HandleMessage(ctx context.Context, key, value []byte) error {
	n, err := notification.DecodeMessage(value)
	if err != nil {
		t.logger.Error(ctx, "failed to decode relayed notification", "key", string(key), "error", err)
		return err
	}
	t.HandleNotification(n)
	return nil
}

// HandleNotification applies n.
func (t *Tracker) HandleNotification(n es.Notification) {
	change := t.apply(n)
	if t.OnChange != nil {
		t.OnChange(change)
	}
}

func (t *Tracker) apply(n es.Notification) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	view, known := t.streams[n.StreamID]

	if n.Kind == es.StreamDeleted {
		if known && view.StreamToken == n.StreamToken {
			delete(t.streams, n.StreamID)
		}
		return Change{Notification: n, View: StreamView{StreamID: n.StreamID, StreamToken: n.StreamToken}}
	}

	if !known || view.StreamToken != n.StreamToken {
		if n.StreamToken == uuid.Nil {
			// snapshot rows deleted by a cascading stream delete carry no token
			change := Change{Notification: n, View: StreamView{StreamID: n.StreamID}, Stale: true}
			if known {
				change.View = copyView(view)
			}
			return change
		}
		view = &StreamView{
			StreamID:    n.StreamID,
			StreamToken: n.StreamToken,
			Snapshots:   make(map[string]int64),
			Recreated:   known,
		}
		t.streams[n.StreamID] = view
	}

	stale := false
	switch n.Kind {
	case es.StreamCreated:
	case es.StreamUpdated:
		if n.Version <= view.Version {
			stale = true
		} else {
			view.Version = n.Version
		}
	case es.SnapshotCreated:
		if n.Version <= view.Snapshots[n.AggregateID] {
			stale = true
		} else {
			view.Snapshots[n.AggregateID] = n.Version
		}
	case es.SnapshotDeleted:
		if view.Snapshots[n.AggregateID] == n.Version {
			delete(view.Snapshots, n.AggregateID)
		}
	}
	return Change{Notification: n, View: copyView(view), Stale: stale}
}

// Get returns the view of streamID.
func (t *Tracker) Get(streamID string) (StreamView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	view, ok := t.streams[streamID]
	if !ok {
		return StreamView{}, false
	}
	return copyView(view), true
}

// Streams returns every known view ordered by stream id.
func (t *Tracker) Streams() []StreamView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	views := make([]StreamView, 0, len(t.streams))
	for _, v := range t.streams {
		views = append(views, copyView(v))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].StreamID < views[j].StreamID })
	return views
}

func copyView(v *StreamView) StreamView {
	c := *v
	c.Snapshots = make(map[string]int64, len(v.Snapshots))
	for k, s := range v.Snapshots {
		c.Snapshots[k] = s
	}
	return c
}
