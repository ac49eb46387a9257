package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements Bus over Redis pub/sub. Used when downstream
// consumers live outside this process; low latency, no persistence.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects a bus backend to the given Redis address.
func NewRedisBus(addr, password string, db int, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logger,
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe uses PSUBSCRIBE so the bus wildcard syntax maps directly onto
// Redis glob patterns.
func (b *RedisBus) Subscribe(pattern string, handler Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.PSubscribe(ctx, pattern)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	return func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("redis pubsub close failed", zap.Error(err))
		}
	}
}

// Close releases the underlying client.
func (b *RedisBus) Close() error { return b.client.Close() }

var _ Bus = (*RedisBus)(nil)
