package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// clientMessage is the inbound wire shape.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// serverMessage is the outbound wire shape.
type serverMessage struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Data     any      `json:"data,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// client is one gateway connection with its subscription registry. Every
// push registration and every per-symbol poll timer is tracked here so
// teardown leaves nothing behind.
type client struct {
	id   string
	gw   *Gateway
	conn *websocket.Conn
	send chan serverMessage

	mu        sync.Mutex
	detachers map[string]func()             // channel:symbol -> push detach
	pollers   map[string]context.CancelFunc // symbol -> poll cancel
	closed    bool

	once sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn) *client {
	return &client{
		id:        clientID(),
		gw:        g,
		conn:      conn,
		send:      make(chan serverMessage, g.cfg.SendBuffer),
		detachers: make(map[string]func()),
		pollers:   make(map[string]context.CancelFunc),
	}
}

// enqueue pushes a message, dropping it when the client cannot keep up.
// Holding the mutex across the send keeps it ordered against teardown's
// channel close.
func (c *client) enqueue(msg serverMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
		if c.gw.m != nil && msg.Channel != "" {
			c.gw.m.GatewayPushTotal.WithLabelValues(msg.Channel).Inc()
		}
	default:
		c.gw.logger.Warn("dropping message for slow client",
			zap.String("client_id", c.id), zap.String("type", msg.Type))
	}
}

func (c *client) readPump() {
	defer c.teardown()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(serverMessage{Type: "error", Message: "invalid message"})
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.Channels, msg.Symbols)
		case "unsubscribe":
			c.unsubscribe(msg.Channels, msg.Symbols)
		case "ping":
			c.enqueue(serverMessage{Type: "pong"})
		default:
			c.enqueue(serverMessage{Type: "error", Message: "unknown message type: " + msg.Type})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) subscribe(channels, symbols []string) {
	accepted := make([]string, 0, len(channels))
	for _, channel := range channels {
		switch channel {
		case ChannelTicks, ChannelTrades, ChannelCandles:
			for _, symbol := range symbols {
				c.addPush(channel, symbol)
			}
		case ChannelOrderbook:
			for _, symbol := range symbols {
				c.addPoller(symbol)
			}
		default:
			c.enqueue(serverMessage{Type: "error", Message: "unknown channel: " + channel})
			continue
		}
		accepted = append(accepted, channel)
	}
	if len(accepted) == 0 {
		return
	}
	c.enqueue(serverMessage{Type: "subscribed", Channels: accepted, Symbols: symbols})
}

func (c *client) unsubscribe(channels, symbols []string) {
	c.mu.Lock()
	for _, channel := range channels {
		for _, symbol := range symbols {
			if channel == ChannelOrderbook {
				if cancel, ok := c.pollers[symbol]; ok {
					cancel()
					delete(c.pollers, symbol)
				}
				continue
			}
			key := channel + ":" + symbol
			if detach, ok := c.detachers[key]; ok {
				detach()
				delete(c.detachers, key)
			}
		}
	}
	c.mu.Unlock()
	c.enqueue(serverMessage{Type: "unsubscribed", Channels: channels, Symbols: symbols})
}

// addPush registers the symbol-filtered push callback for a channel,
// remembering the detach handle.
func (c *client) addPush(channel, symbol string) {
	key := channel + ":" + symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.detachers[key]; exists {
		return
	}

	var detach func()
	switch channel {
	case ChannelTicks:
		detach = c.gw.ingest.OnTick(func(t models.Tick) {
			if t.Symbol == symbol {
				c.enqueue(serverMessage{Type: "tick", Channel: channel, Symbol: symbol, Data: t})
			}
		})
	case ChannelTrades:
		detach = c.gw.ingest.OnTrade(func(t models.Trade) {
			if t.Symbol == symbol {
				c.enqueue(serverMessage{Type: "trade", Channel: channel, Symbol: symbol, Data: t})
			}
		})
	case ChannelCandles:
		detach = c.gw.bus.Subscribe("candle.*."+symbol, func(topic string, payload []byte) {
			var candle models.Candle
			if err := json.Unmarshal(payload, &candle); err != nil {
				return
			}
			c.enqueue(serverMessage{Type: "candle", Channel: channel, Symbol: symbol, Data: candle})
		})
	}
	c.detachers[key] = detach
}

// addPoller starts the order-book poll loop for one symbol. One timer per
// (client, symbol); cancellation clears exactly that timer.
func (c *client) addPoller(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.pollers[symbol]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollers[symbol] = cancel

	go func() {
		ticker := time.NewTicker(c.gw.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := c.gw.books.GetOrderBook(ctx, symbol, c.gw.cfg.DefaultVenue)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.enqueue(serverMessage{Type: "error", Symbol: symbol,
						Message: "orderbook unavailable"})
					continue
				}
				c.enqueue(serverMessage{Type: "orderbook", Channel: ChannelOrderbook,
					Symbol: symbol, Data: snap})
			}
		}
	}()
}

// teardown deregisters every callback, cancels every poll timer and
// removes the client. Safe to call more than once.
func (c *client) teardown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		detachers := c.detachers
		pollers := c.pollers
		c.detachers = map[string]func(){}
		c.pollers = map[string]context.CancelFunc{}
		c.mu.Unlock()

		for _, detach := range detachers {
			detach()
		}
		for _, cancel := range pollers {
			cancel()
		}
		c.gw.remove(c)
		close(c.send)
	})
}
