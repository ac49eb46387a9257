package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"tick.BTCUSDT", "tick.BTCUSDT", true},
		{"tick.BTCUSDT", "tick.ETHUSDT", false},
		{"tick.*", "tick.BTCUSDT", true},
		{"tick.*", "trade.BTCUSDT", false},
		{"candle.*.BTCUSDT", "candle.1m.BTCUSDT", true},
		{"candle.*.BTCUSDT", "candle.1h.BTCUSDT", true},
		{"candle.*.BTCUSDT", "candle.1m.ETHUSDT", false},
		{"candle.*", "candle.1m.BTCUSDT", true},
		{"*", "anything.at.all", true},
		{"tick.BTCUSDT", "tick.BTCUSDT.extra", false},
		{"tick.*", "tick", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic),
			"pattern %q topic %q", tc.pattern, tc.topic)
	}
}

func TestMemoryBusDelivery(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())

	var got []string
	detach := b.Subscribe("tick.*", func(topic string, payload []byte) {
		got = append(got, topic+":"+string(payload))
	})

	require.NoError(t, b.Publish(context.Background(), "tick.BTCUSDT", []byte("a")))
	require.NoError(t, b.Publish(context.Background(), "trade.BTCUSDT", []byte("b")))
	assert.Equal(t, []string{"tick.BTCUSDT:a"}, got)

	detach()
	require.NoError(t, b.Publish(context.Background(), "tick.BTCUSDT", []byte("c")))
	assert.Len(t, got, 1, "detached handler must not fire")
}

func TestMemoryBusPanicIsolation(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())

	b.Subscribe("tick.*", func(string, []byte) { panic("boom") })
	delivered := false
	b.Subscribe("tick.*", func(string, []byte) { delivered = true })

	require.NoError(t, b.Publish(context.Background(), "tick.BTCUSDT", nil))
	assert.True(t, delivered, "a panicking handler must not block the rest")
}
