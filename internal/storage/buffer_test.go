package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// recordingStore captures Insert calls and fails on demand.
type recordingStore struct {
	mu      sync.Mutex
	inserts [][]models.Trade
	fail    bool
	failErr error
}

func (s *recordingStore) Insert(_ context.Context, _ string, rows any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return s.failErr
	}
	batch := rows.([]models.Trade)
	s.inserts = append(s.inserts, append([]models.Trade(nil), batch...))
	return nil
}

func (s *recordingStore) RecentTrades(context.Context, string, string, int) ([]models.Trade, error) {
	return nil, nil
}
func (s *recordingStore) RecentCandles(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	return nil, nil
}
func (s *recordingStore) RecentAggregates(context.Context, []string, int) ([]models.AggregatedPrice, error) {
	return nil, nil
}
func (s *recordingStore) AggregatesSince(context.Context, time.Time, int) ([]models.AggregatedPrice, error) {
	return nil, nil
}
func (s *recordingStore) SnapshotsSince(context.Context, string, string, time.Time) ([]models.OrderBookSnapshot, error) {
	return nil, nil
}

func (s *recordingStore) setFail(fail bool, err error) {
	s.mu.Lock()
	s.fail = fail
	s.failErr = err
	s.mu.Unlock()
}

func (s *recordingStore) batches() [][]models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

func trade(id string) models.Trade {
	return models.Trade{Symbol: "BTCUSDT", Venue: "binance", TradeID: id,
		Price: 50000, Quantity: 1, Timestamp: time.Now()}
}

func TestWriteBufferFlushesAtCapacity(t *testing.T) {
	store := &recordingStore{}
	buf := NewWriteBuffer[models.Trade](store, models.TableTrades, 3, time.Hour, zap.NewNop())

	buf.Add(trade("1"))
	buf.Add(trade("2"))
	assert.Empty(t, store.batches(), "below capacity nothing flushes")
	assert.Equal(t, 2, buf.Len())

	buf.Add(trade("3"))
	require.Len(t, store.batches(), 1)
	assert.Len(t, store.batches()[0], 3)
	assert.Equal(t, 0, buf.Len())
}

func TestWriteBufferRequeuesFailedBatch(t *testing.T) {
	store := &recordingStore{}
	store.setFail(true, assert.AnError)
	buf := NewWriteBuffer[models.Trade](store, models.TableTrades, 10, time.Hour, zap.NewNop())

	var hookN int
	var hookErr error
	buf.SetFlushHook(func(n int, err error) { hookN, hookErr = n, err })

	buf.Add(trade("1"))
	buf.Add(trade("2"))
	buf.Flush(context.Background())

	assert.Equal(t, 2, hookN)
	assert.Error(t, hookErr)
	assert.Equal(t, 2, buf.Len(), "failed batch stays pending")

	buf.Add(trade("3"))
	store.setFail(false, nil)
	buf.Flush(context.Background())

	require.Len(t, store.batches(), 1)
	got := store.batches()[0]
	require.Len(t, got, 3, "requeued rows flush together with new ones")
	assert.Equal(t, "1", got[0].TradeID, "requeued rows keep their position at the front")
	assert.Equal(t, 0, buf.Len())
}

func TestWriteBufferTimerFlush(t *testing.T) {
	store := &recordingStore{}
	buf := NewWriteBuffer[models.Trade](store, models.TableTrades, 100, 10*time.Millisecond, zap.NewNop())

	flushed := make(chan struct{}, 1)
	buf.SetFlushHook(func(n int, err error) {
		select {
		case flushed <- struct{}{}:
		default:
		}
	})

	buf.Start()
	defer buf.Stop()
	buf.Add(trade("1"))

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush did not fire")
	}
	require.Len(t, store.batches(), 1)
}
