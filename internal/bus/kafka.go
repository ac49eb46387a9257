package bus

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus implements Bus over Kafka. The bus topic travels as the message
// key inside a single Kafka topic, so subscribers filter client-side with
// the same pattern syntax as the other backends. Chosen when consumers need
// replayable history rather than lowest latency.
type KafkaBus struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	groupID string
	logger  *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus creates a Kafka-backed bus publishing to the given topic.
func NewKafkaBus(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		logger:  logger,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	})
}

func (b *KafkaBus) Subscribe(pattern string, handler Handler) func() {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		Topic:   b.topic,
		GroupID: b.groupID,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("kafka read failed", zap.Error(err))
				}
				return
			}
			busTopic := string(m.Key)
			if MatchTopic(pattern, busTopic) {
				handler(busTopic, m.Value)
			}
		}
	}()

	return func() {
		cancel()
		if err := reader.Close(); err != nil {
			b.logger.Warn("kafka reader close failed", zap.Error(err))
		}
	}
}

// Close flushes and releases the writer.
func (b *KafkaBus) Close() error { return b.writer.Close() }

var _ Bus = (*KafkaBus)(nil)
