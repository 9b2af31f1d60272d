package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

type SaramaProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func SaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

func NewSaramaProducer(brokers []string, topic string) (*SaramaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, SaramaConfig())
	if err != nil {
		return nil, err
	}
	return WrapSarama(producer, topic), nil
}

// WrapSarama publishes through an existing sync producer.
func WrapSarama(producer sarama.SyncProducer, topic string) *SaramaProducer {
	return &SaramaProducer{producer: producer, topic: topic}
}

func (p *SaramaProducer) Send(ctx context.Context, kind string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.ByteEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{{Key: []byte(HeaderKind), Value: []byte(kind)}},
	})
	return err
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
