package pubsub

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// topicHeader carries the bus topic label so Kafka consumers see the same framing.
const topicHeader = "topic"

// KafkaSink appends events to a Kafka topic, keyed so one address keeps its order.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchSize:    1,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, topic string, key, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   payload,
		Headers: []kafka.Header{{Key: topicHeader, Value: []byte(topic)}},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
