// Package bus provides the internal publish/subscribe fabric.
//
// Topics are dot-separated, e.g. "tick.BTCUSDT" or "candle.1m.BTCUSDT".
// Patterns may end in ".*" to match one or more trailing segments.
package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw payload published on a matching topic.
type Handler func(topic string, payload []byte)

// Bus is the pub/sub contract shared by the in-memory, Redis and Kafka
// backends. Subscribe returns a detach handle; every registration has a
// matching cleanup path.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(pattern string, handler Handler) (unsubscribe func())
}

type subscription struct {
	pattern string
	handler Handler
}

// MemoryBus is the in-process backend. Delivery is synchronous on the
// publishing goroutine; a panicking handler is isolated so remaining
// handlers still run.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	logger *zap.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Publish delivers payload to every handler whose pattern matches topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, topic, payload)
	}
	return nil
}

func (b *MemoryBus) deliver(sub *subscription, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	sub.handler(topic, payload)
}

// Subscribe registers a handler for a topic pattern and returns its detach
// handle.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{pattern: pattern, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// MatchTopic reports whether topic matches pattern. A pattern segment "*"
// matches exactly one segment; a trailing "*" matches the remainder.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return len(ts) >= len(ps)
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
