package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/connector"
	"github.com/pulsefeed/pulsefeed/internal/events"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// stubConnector is a scriptable venue.
type stubConnector struct {
	venue  string
	ticks  *events.Registry[models.Tick]
	trades *events.Registry[models.Trade]

	recentTrades []models.Trade
}

func newStubConnector(venue string) *stubConnector {
	return &stubConnector{
		venue:  venue,
		ticks:  events.NewRegistry[models.Tick](),
		trades: events.NewRegistry[models.Trade](),
	}
}

func (c *stubConnector) Venue() string          { return c.venue }
func (c *stubConnector) State() connector.State { return connector.StateConnected }
func (c *stubConnector) Close() error           { return nil }
func (c *stubConnector) Symbols() []string      { return nil }

func (c *stubConnector) Connect(context.Context) error                  { return nil }
func (c *stubConnector) Subscribe(context.Context, string) error        { return nil }
func (c *stubConnector) Unsubscribe(context.Context, string) error      { return nil }
func (c *stubConnector) SubscribeBatch(context.Context, []string) error { return nil }

func (c *stubConnector) OnTick(fn func(models.Tick)) func()         { return c.ticks.Add(fn) }
func (c *stubConnector) OnTrade(fn func(models.Trade)) func()       { return c.trades.Add(fn) }
func (c *stubConnector) OnStateChange(func(connector.State)) func() { return func() {} }

func (c *stubConnector) GetOrderBook(context.Context, string, int) (*connector.Book, error) {
	return nil, nil
}

func (c *stubConnector) GetRecentTrades(context.Context, string, int) ([]models.Trade, error) {
	return c.recentTrades, nil
}

func (c *stubConnector) GetHistoricalCandles(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	return nil, nil
}

func (c *stubConnector) GetAllSymbols(context.Context) ([]string, error) { return nil, nil }

func (c *stubConnector) pushTick(t models.Tick)   { c.ticks.Emit(zap.NewNop(), t) }
func (c *stubConnector) pushTrade(t models.Trade) { c.trades.Emit(zap.NewNop(), t) }

// memStore records inserts and serves canned trades.
type memStore struct {
	mu     sync.Mutex
	trades []models.Trade
	stored []models.Trade
}

func (s *memStore) Insert(_ context.Context, table string, rows any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch, ok := rows.([]models.Trade); ok && table == models.TableTrades {
		s.trades = append(s.trades, batch...)
	}
	return nil
}

func (s *memStore) RecentTrades(context.Context, string, string, int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

func (s *memStore) RecentCandles(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	return nil, nil
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

func newTestService(conns ...connector.Connector) (*Service, *bus.MemoryBus) {
	eventBus := bus.NewMemoryBus(zap.NewNop())
	s := New(&memStore{}, eventBus, conns, Config{}, zap.NewNop(), nil)
	return s, eventBus
}

func TestQuoteCacheLastWriterWins(t *testing.T) {
	binance := newStubConnector("binance")
	kraken := newStubConnector("kraken")
	s, _ := newTestService(binance, kraken)
	require.NoError(t, s.Start())
	defer s.Stop()

	binance.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "binance", Price: 50000})
	kraken.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "kraken", Price: 50100})

	quote, ok := s.GetQuote("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "kraken", quote.Venue, "the cache keys by symbol only")
	assert.Equal(t, 50100.0, quote.Price)

	binance.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "binance", Price: 50200})
	quote, _ = s.GetQuote("BTCUSDT")
	assert.Equal(t, "binance", quote.Venue)
}

func TestAvailableTickersSorted(t *testing.T) {
	c := newStubConnector("binance")
	s, _ := newTestService(c)
	require.NoError(t, s.Start())
	defer s.Stop()

	c.pushTick(models.Tick{Symbol: "ETHUSDT", Venue: "binance"})
	c.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "binance"})

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.GetAvailableTickers())

	_, ok := s.GetQuote("SOLUSDT")
	assert.False(t, ok)
}

func TestEventsRepublishedOnBus(t *testing.T) {
	c := newStubConnector("binance")
	s, eventBus := newTestService(c)
	require.NoError(t, s.Start())
	defer s.Stop()

	var topics []string
	eventBus.Subscribe("*", func(topic string, _ []byte) { topics = append(topics, topic) })

	c.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "binance", Price: 50000})
	c.pushTrade(models.Trade{Symbol: "BTCUSDT", Venue: "binance", Price: 50000, Quantity: 1})

	assert.Equal(t, []string{"tick.BTCUSDT", "trade.BTCUSDT"}, topics)
}

func TestLocalListenersAndStopDetaches(t *testing.T) {
	c := newStubConnector("binance")
	s, _ := newTestService(c)
	require.NoError(t, s.Start())

	var ticks, trades int
	s.OnTick(func(models.Tick) { ticks++ })
	s.OnTrade(func(models.Trade) { trades++ })

	c.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "binance"})
	c.pushTrade(models.Trade{Symbol: "BTCUSDT", Venue: "binance", Price: 1, Quantity: 1})
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, trades)

	require.NoError(t, s.Stop())
	c.pushTick(models.Tick{Symbol: "BTCUSDT", Venue: "binance"})
	assert.Equal(t, 1, ticks, "a stopped service consumes nothing")
}

func TestHistoricalTradesRESTFallback(t *testing.T) {
	c := newStubConnector("binance")
	c.recentTrades = []models.Trade{
		{Symbol: "BTCUSDT", Venue: "binance", TradeID: "1", Price: 50000, Quantity: 1},
		{Symbol: "BTCUSDT", Venue: "binance", TradeID: "2", Price: 50001, Quantity: 2},
	}
	store := &memStore{}
	eventBus := bus.NewMemoryBus(zap.NewNop())
	s := New(store, eventBus, []connector.Connector{c}, Config{}, zap.NewNop(), nil)

	got, err := s.GetHistoricalTrades(context.Background(), "BTCUSDT", "binance", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, store.trades, 2, "fetched history backfills storage")

	got, err = s.GetHistoricalTrades(context.Background(), "BTCUSDT", "bitmex", 2)
	require.NoError(t, err)
	assert.Empty(t, got, "unknown venue returns what storage had")
}

var _ connector.Connector = (*stubConnector)(nil)
