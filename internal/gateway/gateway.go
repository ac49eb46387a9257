// Package gateway fans the internal event streams out to external
// WebSocket subscribers.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultSendBuffer   = 256
	writeTimeout        = 10 * time.Second
	pingInterval        = 30 * time.Second
	pongWait            = 60 * time.Second
	readLimit           = 4096
)

// Channel names accepted in subscribe requests.
const (
	ChannelTicks     = "ticks"
	ChannelTrades    = "trades"
	ChannelCandles   = "candles"
	ChannelOrderbook = "orderbook"
)

// Config tunes the gateway.
type Config struct {
	PollInterval time.Duration // per-(client,symbol) order-book poll cadence
	DefaultVenue string        // venue used for order-book polling
	SendBuffer   int
}

// tickTradeSource is the slice of the ingestion service the gateway pushes
// from.
type tickTradeSource interface {
	OnTick(fn func(models.Tick)) (detach func())
	OnTrade(fn func(models.Trade)) (detach func())
}

// bookSource serves the polled order-book channel. No push feed exists
// upstream, so the gateway polls per subscription.
type bookSource interface {
	GetOrderBook(ctx context.Context, symbol, venue string) (*models.OrderBookSnapshot, error)
}

// Gateway upgrades client connections and tracks per-client subscription
// state.
type Gateway struct {
	logger   *zap.Logger
	m        *metrics.Metrics
	upgrader websocket.Upgrader
	ingest   tickTradeSource
	books    bookSource
	bus      bus.Bus
	cfg      Config

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a gateway.
func New(ingest tickTradeSource, books bookSource, b bus.Bus, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Gateway{
		logger: logger,
		m:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ingest:  ingest,
		books:   books,
		bus:     b,
		cfg:     cfg,
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and runs the client until disconnect.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(g, conn)

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	if g.m != nil {
		g.m.GatewayClients.Inc()
	}
	g.logger.Info("gateway client connected", zap.String("client_id", c.id))

	c.enqueue(serverMessage{Type: "connected"})
	go c.writePump()
	go c.readPump()
}

func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()
	if ok {
		if g.m != nil {
			g.m.GatewayClients.Dec()
		}
		g.logger.Info("gateway client disconnected", zap.String("client_id", c.id))
	}
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.teardown()
	}
}

// ClientCount reports the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func clientID() string { return uuid.NewString() }
