package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used by Producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes change notifications keyed by stream id, so every
// change of one stream lands on the same partition in commit order.
type Producer struct {
	writer MessageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// Publish writes n in the notification wire format.
func (p *Producer) Publish(ctx context.Context, n es.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.StreamID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "es-kind", Value: []byte(n.Kind.String())},
		},
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
