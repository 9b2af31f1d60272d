// Package kafka publishes outbox events. Producer wraps a kafka-go writer and
// SaramaProducer a sarama sync producer; both block until the brokers ack.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// HeaderKind carries the event kind on every message.
const HeaderKind = "kind"

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Send(
	ctx context.Context,
	kind string,
	key []byte,
	value []byte,
) error {
	return p.writer.WriteMessages(ctx, message(kind, key, value))
}

func message(kind string, key, value []byte) kafka.Message {
	return kafka.Message{
		Key:     key,
		Value:   value,
		Headers: []kafka.Header{{Key: HeaderKind, Value: []byte(kind)}},
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
