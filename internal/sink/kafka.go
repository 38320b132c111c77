package sink

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const seqHeader = "seq"

// KafkaWriter publishes through segmentio/kafka-go.
type KafkaWriter struct {
	writer *kafka.Writer
}

// NewKafkaWriter creates a synchronous writer hashing keys to partitions.
func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	return &KafkaWriter{
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

// Publish implements Publisher.
func (w *KafkaWriter) Publish(ctx context.Context, msgs []Message) error {
	return w.writer.WriteMessages(ctx, kafkaMessages(msgs)...)
}

// Close implements Publisher.
func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}

func kafkaMessages(msgs []Message) []kafka.Message {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{
			Key:   m.Key,
			Value: m.Value,
			Headers: []kafka.Header{
				{Key: seqHeader, Value: []byte(strconv.FormatUint(m.Seq, 10))},
			},
		}
	}
	return out
}
