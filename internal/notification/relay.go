// Package notification forwards database change notifications to a message
// broker and decodes them on the consuming side.
package notification

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/example/es-aggregate-store/internal/es"
)

// Publisher is the outbound side of the relay, usually a Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, n es.Notification) error
}

// DefaultQueueSize bounds the notifications waiting to be published.
const DefaultQueueSize = 1024

// Relay forwards notifications to a Publisher. Delivery is best effort:
// publish failures and overflow of the queue are logged and the notification
// is dropped, consumers reconcile through the stream version and token.
type Relay struct {
	publisher Publisher
	logger    es.Logger
	timeout   time.Duration
	queue     chan es.Notification

	relayed atomic.Int64
	dropped atomic.Int64
}

// NewRelay creates a relay publishing with a per message timeout. Incoming
// notifications wait in a queue of queueSize until Run picks them up.
func NewRelay(publisher Publisher, logger es.Logger, timeout time.Duration, queueSize int) *Relay {
	if logger == nil {
		logger = es.NoOpLogger{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Relay{
		publisher: publisher,
		logger:    logger,
		timeout:   timeout,
		queue:     make(chan es.Notification, queueSize),
	}
}

// HandleNotification matches the handler of EventDB.ListenToStreamUpdates.
// It never blocks the listener: when the queue is full n is dropped.
func (r *Relay) HandleNotification(n es.Notification) {
	select {
	case r.queue <- n:
	default:
		r.dropped.Add(1)
		r.logger.Error(context.Background(), "relay queue full, dropping notification",
			"kind", n.Kind, "stream_id", n.StreamID, "version", n.Version)
	}
}

// Run publishes queued notifications until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-r.queue:
			r.publish(ctx, n)
		}
	}
}

func (r *Relay) publish(ctx context.Context, n es.Notification) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.publisher.Publish(ctx, n); err != nil {
		r.dropped.Add(1)
		r.logger.Error(ctx, "failed to relay notification",
			"kind", n.Kind, "stream_id", n.StreamID, "version", n.Version, "error", err)
		return
	}
	r.relayed.Add(1)
	r.logger.Debug(ctx, "relayed notification", "kind", n.Kind, "stream_id", n.StreamID, "version", n.Version)
}

// Stats returns the number of relayed and dropped notifications.
func (r *Relay) Stats() (relayed, dropped int64) {
	return r.relayed.Load(), r.dropped.Load()
}

// DecodeMessage decodes a relayed message value.
func DecodeMessage(value []byte) (es.Notification, error) {
	var n es.Notification
	if err := json.Unmarshal(value, &n); err != nil {
		return es.Notification{}, err
	}
	return n, nil
}
