package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/events"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// fakeFeed stands in for the ingestion service.
type fakeFeed struct {
	ticks  *events.Registry[models.Tick]
	trades *events.Registry[models.Trade]
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		ticks:  events.NewRegistry[models.Tick](),
		trades: events.NewRegistry[models.Trade](),
	}
}

func (f *fakeFeed) OnTick(fn func(models.Tick)) func()   { return f.ticks.Add(fn) }
func (f *fakeFeed) OnTrade(fn func(models.Trade)) func() { return f.trades.Add(fn) }

// fakeBooks serves a constant snapshot.
type fakeBooks struct{}

func (fakeBooks) GetOrderBook(_ context.Context, symbol, venue string) (*models.OrderBookSnapshot, error) {
	return &models.OrderBookSnapshot{Symbol: symbol, Venue: venue, BestBid: 50000, BestAsk: 50010}, nil
}

type testEnv struct {
	gw   *Gateway
	feed *fakeFeed
	conn *websocket.Conn
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	feed := newFakeFeed()
	eventBus := bus.NewMemoryBus(zap.NewNop())
	gw := New(feed, fakeBooks{}, eventBus, Config{
		PollInterval: 20 * time.Millisecond,
		DefaultVenue: "binance",
	}, zap.NewNop(), nil)

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := &testEnv{gw: gw, feed: feed, conn: conn}
	require.Equal(t, "connected", env.read(t).Type)
	return env
}

func (e *testEnv) read(t *testing.T) serverMessage {
	t.Helper()
	e.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	require.NoError(t, e.conn.ReadJSON(&msg))
	return msg
}

func (e *testEnv) send(t *testing.T, msg clientMessage) {
	t.Helper()
	require.NoError(t, e.conn.WriteJSON(msg))
}

// readUntil skips interleaved frames until one of the wanted type arrives.
func (e *testEnv) readUntil(t *testing.T, msgType string) serverMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := e.read(t)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message arrived", msgType)
	return serverMessage{}
}

func TestTickSubscriptionPushesMatchingSymbolOnly(t *testing.T) {
	env := setup(t)

	env.send(t, clientMessage{Type: "subscribe", Channels: []string{ChannelTicks}, Symbols: []string{"BTCUSDT"}})
	require.Equal(t, "subscribed", env.readUntil(t, "subscribed").Type)

	require.Eventually(t, func() bool { return env.feed.ticks.Len() == 1 },
		time.Second, 5*time.Millisecond)

	env.feed.ticks.Emit(zap.NewNop(), models.Tick{Symbol: "ETHUSDT", Price: 3000})
	env.feed.ticks.Emit(zap.NewNop(), models.Tick{Symbol: "BTCUSDT", Price: 50000})

	msg := env.readUntil(t, "tick")
	assert.Equal(t, "BTCUSDT", msg.Symbol, "other symbols are filtered out")
}

func TestUnsubscribeDetaches(t *testing.T) {
	env := setup(t)

	env.send(t, clientMessage{Type: "subscribe", Channels: []string{ChannelTicks}, Symbols: []string{"BTCUSDT"}})
	env.readUntil(t, "subscribed")
	require.Eventually(t, func() bool { return env.feed.ticks.Len() == 1 },
		time.Second, 5*time.Millisecond)

	env.send(t, clientMessage{Type: "unsubscribe", Channels: []string{ChannelTicks}, Symbols: []string{"BTCUSDT"}})
	env.readUntil(t, "unsubscribed")

	require.Eventually(t, func() bool { return env.feed.ticks.Len() == 0 },
		time.Second, 5*time.Millisecond, "unsubscribe must detach the push callback")
}

func TestOrderbookPolling(t *testing.T) {
	env := setup(t)

	env.send(t, clientMessage{Type: "subscribe", Channels: []string{ChannelOrderbook}, Symbols: []string{"BTCUSDT"}})
	env.readUntil(t, "subscribed")

	msg := env.readUntil(t, "orderbook")
	assert.Equal(t, "BTCUSDT", msg.Symbol)
}

func TestPingPong(t *testing.T) {
	env := setup(t)
	env.send(t, clientMessage{Type: "ping"})
	assert.Equal(t, "pong", env.readUntil(t, "pong").Type)
}

func TestUnknownMessageAndChannel(t *testing.T) {
	env := setup(t)

	env.send(t, clientMessage{Type: "bogus"})
	msg := env.readUntil(t, "error")
	assert.Contains(t, msg.Message, "unknown message type")

	env.send(t, clientMessage{Type: "subscribe", Channels: []string{"nope"}, Symbols: []string{"BTCUSDT"}})
	msg = env.readUntil(t, "error")
	assert.Contains(t, msg.Message, "unknown channel")
}

func TestSubscribeAcksOnlyKnownChannels(t *testing.T) {
	env := setup(t)

	env.send(t, clientMessage{Type: "subscribe", Channels: []string{ChannelTicks, "nope"}, Symbols: []string{"BTCUSDT"}})

	msg := env.readUntil(t, "error")
	assert.Contains(t, msg.Message, "unknown channel")

	ack := env.readUntil(t, "subscribed")
	assert.Equal(t, []string{ChannelTicks}, ack.Channels, "ack lists only registered channels")
}

func TestDisconnectCleansUpEverything(t *testing.T) {
	env := setup(t)

	env.send(t, clientMessage{Type: "subscribe",
		Channels: []string{ChannelTicks, ChannelTrades, ChannelOrderbook},
		Symbols:  []string{"BTCUSDT"}})
	env.readUntil(t, "subscribed")
	require.Eventually(t, func() bool {
		return env.feed.ticks.Len() == 1 && env.feed.trades.Len() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, env.gw.ClientCount())

	env.conn.Close()

	require.Eventually(t, func() bool {
		return env.gw.ClientCount() == 0 &&
			env.feed.ticks.Len() == 0 &&
			env.feed.trades.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "teardown must leave no registration behind")
}
