package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []es.Notification
	err       error
	deadline  bool
	block     chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, n es.Notification) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, p.deadline = ctx.Deadline()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, n)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func runRelay(t *testing.T, relay *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestRelay_HandleNotification(t *testing.T) {
	publisher := &fakePublisher{}
	relay := NewRelay(publisher, nil, time.Second, 0)
	runRelay(t, relay)
	n := es.Notification{Kind: es.StreamCreated, StreamID: "s-1", StreamToken: uuid.New()}

	relay.HandleNotification(n)

	require.Eventually(t, func() bool { return publisher.count() == 1 }, time.Second, 5*time.Millisecond)
	publisher.mu.Lock()
	assert.Equal(t, n, publisher.published[0])
	assert.True(t, publisher.deadline)
	publisher.mu.Unlock()
	relayed, dropped := relay.Stats()
	assert.Equal(t, int64(1), relayed)
	assert.Equal(t, int64(0), dropped)
}

func TestRelay_PublishFailureIsDropped(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("broker unavailable")}
	relay := NewRelay(publisher, nil, 0, 0)
	runRelay(t, relay)

	relay.HandleNotification(es.Notification{Kind: es.StreamDeleted, StreamID: "s-1"})

	require.Eventually(t, func() bool {
		_, dropped := relay.Stats()
		return dropped == 1
	}, time.Second, 5*time.Millisecond)
	relayed, _ := relay.Stats()
	assert.Equal(t, int64(0), relayed)
}

func TestRelay_SlowPublisherDoesNotBlockHandler(t *testing.T) {
	publisher := &fakePublisher{block: make(chan struct{})}
	relay := NewRelay(publisher, nil, time.Second, 1)
	runRelay(t, relay)

	handled := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			relay.HandleNotification(es.Notification{Kind: es.StreamUpdated, StreamID: "s-1", Version: int64(i)})
		}
		close(handled)
	}()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("HandleNotification blocked on a stalled publisher")
	}
	close(publisher.block)

	require.Eventually(t, func() bool {
		relayed, dropped := relay.Stats()
		return relayed+dropped == 5
	}, time.Second, 5*time.Millisecond)
	_, dropped := relay.Stats()
	assert.GreaterOrEqual(t, dropped, int64(3))
}

func TestDecodeMessage(t *testing.T) {
	token := uuid.New()

	n, err := DecodeMessage([]byte(`{"type":"stream","operation":"update","stream_id":"s-1","stream_token":"` + token.String() + `","version":7}`))

	require.NoError(t, err)
	assert.Equal(t, es.StreamUpdated, n.Kind)
	assert.Equal(t, int64(7), n.Version)
}

func TestDecodeMessage_Invalid(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"stream","operation":"rename","stream_id":"s-1"}`))

	assert.ErrorIs(t, err, es.ErrUnknownNotification)
}
