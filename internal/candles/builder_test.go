package candles

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// memStore collects inserts; the read paths serve canned rows.
type memStore struct {
	mu      sync.Mutex
	candles []models.Candle
	stored  []models.Candle // served by RecentCandles
}

func (s *memStore) Insert(_ context.Context, _ string, rows any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, rows.([]models.Candle)...)
	return nil
}

func (s *memStore) RecentTrades(context.Context, string, string, int) ([]models.Trade, error) {
	return nil, nil
}

func (s *memStore) RecentCandles(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

func (s *memStore) RecentAggregates(context.Context, []string, int) ([]models.AggregatedPrice, error) {
	return nil, nil
}

func (s *memStore) AggregatesSince(context.Context, time.Time, int) ([]models.AggregatedPrice, error) {
	return nil, nil
}

func (s *memStore) SnapshotsSince(context.Context, string, string, time.Time) ([]models.OrderBookSnapshot, error) {
	return nil, nil
}

func (s *memStore) inserted() []models.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Candle(nil), s.candles...)
}

func newTestBuilder(store *memStore) (*Builder, *bus.MemoryBus) {
	b := bus.NewMemoryBus(zap.NewNop())
	builder := New(store, b, nil, Config{BufferSize: 1}, zap.NewNop(), nil)
	return builder, b
}

func tradeAt(ts time.Time, price, qty float64) models.Trade {
	return models.Trade{
		Symbol:    "BTCUSDT",
		Venue:     "binance",
		Timestamp: ts,
		TradeID:   "t",
		Price:     price,
		Quantity:  qty,
	}
}

func TestCandleInvariants(t *testing.T) {
	store := &memStore{}
	builder, _ := newTestBuilder(store)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	builder.HandleTrade(tradeAt(base.Add(1*time.Second), 50000, 1))
	builder.HandleTrade(tradeAt(base.Add(10*time.Second), 50500, 2))
	builder.HandleTrade(tradeAt(base.Add(20*time.Second), 49800, 0.5))
	builder.HandleTrade(tradeAt(base.Add(30*time.Second), 50100, 1.5))

	c, ok := builder.OpenCandle("BTCUSDT", models.Timeframe1m)
	require.True(t, ok)
	assert.Equal(t, base, c.BucketStart)
	assert.Equal(t, 50000.0, c.Open)
	assert.Equal(t, 50500.0, c.High)
	assert.Equal(t, 49800.0, c.Low)
	assert.Equal(t, 50100.0, c.Close)
	assert.Equal(t, 5.0, c.Volume, "volume is the quantity sum")
	assert.Equal(t, int64(4), c.TradeCount)
	assert.LessOrEqual(t, c.Low, c.Open)
	assert.LessOrEqual(t, c.Low, c.Close)
	assert.GreaterOrEqual(t, c.High, c.Open)
	assert.GreaterOrEqual(t, c.High, c.Close)

	// every timeframe tracks its own bucket for the same stream
	c5, ok := builder.OpenCandle("BTCUSDT", models.Timeframe5m)
	require.True(t, ok)
	assert.Equal(t, c.Volume, c5.Volume)
}

func TestEventDrivenClose(t *testing.T) {
	store := &memStore{}
	builder, eventBus := newTestBuilder(store)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	var published []string
	eventBus.Subscribe("candle.1m.*", func(topic string, payload []byte) {
		published = append(published, topic)
		var c models.Candle
		require.NoError(t, json.Unmarshal(payload, &c))
		assert.Equal(t, base, c.BucketStart)
	})

	builder.HandleTrade(tradeAt(base.Add(10*time.Second), 50000, 1))
	builder.HandleTrade(tradeAt(base.Add(70*time.Second), 50100, 1))

	assert.Contains(t, published, "candle.1m.BTCUSDT",
		"a trade past the bucket closes the old candle")

	closed := store.inserted()
	require.NotEmpty(t, closed, "closed candle reaches the store")
	assert.Equal(t, base, closed[0].BucketStart)
	assert.Equal(t, 50000.0, closed[0].Close)

	// the new bucket is open with the late price
	c, ok := builder.OpenCandle("BTCUSDT", models.Timeframe1m)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), c.BucketStart)
	assert.Equal(t, 50100.0, c.Open)
}

func TestSweepClosesElapsedBuckets(t *testing.T) {
	store := &memStore{}
	builder, _ := newTestBuilder(store)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	builder.HandleTrade(tradeAt(base.Add(5*time.Second), 50000, 1))

	builder.Sweep(base.Add(30 * time.Second))
	_, ok := builder.OpenCandle("BTCUSDT", models.Timeframe1m)
	assert.True(t, ok, "bucket not elapsed yet")

	builder.Sweep(base.Add(time.Minute))
	_, ok = builder.OpenCandle("BTCUSDT", models.Timeframe1m)
	assert.False(t, ok, "elapsed bucket closes on sweep")

	_, ok = builder.OpenCandle("BTCUSDT", models.Timeframe5m)
	assert.True(t, ok, "longer timeframes stay open")
}

func TestLateTradeDropped(t *testing.T) {
	store := &memStore{}
	builder, _ := newTestBuilder(store)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	builder.HandleTrade(tradeAt(base.Add(70*time.Second), 50100, 1))
	builder.HandleTrade(tradeAt(base.Add(10*time.Second), 99999, 1))

	c, ok := builder.OpenCandle("BTCUSDT", models.Timeframe1m)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), c.BucketStart)
	assert.Equal(t, 50100.0, c.High, "the late trade must not touch the open candle")
}

func TestInvalidTradeSkipped(t *testing.T) {
	store := &memStore{}
	builder, _ := newTestBuilder(store)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	builder.HandleTrade(tradeAt(base, 0, 1))
	builder.HandleTrade(tradeAt(base, -5, 1))

	_, ok := builder.OpenCandle("BTCUSDT", models.Timeframe1m)
	assert.False(t, ok, "invalid trades open nothing")
}

// cannedHistory serves a fixed candle slice.
type cannedHistory struct {
	rows  []models.Candle
	calls int
}

func (h *cannedHistory) GetHistoricalCandles(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	h.calls++
	return h.rows, nil
}

func TestGetCandlesFallsBackToHistory(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	history := &cannedHistory{rows: []models.Candle{
		{BucketStart: base, Symbol: "BTCUSDT", Timeframe: models.Timeframe1h, Close: 50000},
		{BucketStart: base.Add(time.Hour), Symbol: "BTCUSDT", Timeframe: models.Timeframe1h, Close: 50100},
	}}
	eventBus := bus.NewMemoryBus(zap.NewNop())
	builder := New(store, eventBus, history, Config{}, zap.NewNop(), nil)

	got, err := builder.GetCandles(context.Background(), "BTCUSDT", models.Timeframe1h, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, history.calls)
	assert.Len(t, store.inserted(), 2, "fetched history backfills storage")
}

func TestGetCandlesPrefersStorage(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := &memStore{stored: []models.Candle{
		{BucketStart: base, Symbol: "BTCUSDT", Timeframe: models.Timeframe1h},
	}}
	history := &cannedHistory{}
	eventBus := bus.NewMemoryBus(zap.NewNop())
	builder := New(store, eventBus, history, Config{}, zap.NewNop(), nil)

	got, err := builder.GetCandles(context.Background(), "BTCUSDT", models.Timeframe1h, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Zero(t, history.calls, "storage satisfied the request")
}
