// Package connector implements the per-venue streaming connectors.
//
// Each connector owns one websocket connection, a subscription set and the
// venue's REST access. Venue streams are static per connection, so changing
// the subscription set while connected forces a full disconnect+reconnect;
// SubscribeBatch amortizes that into one reconnect for N symbols.
package connector

import (
	"context"
	"time"

	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// State is the connector lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ReconnectPolicy is the linear backoff schedule: delay = BaseDelay × attempt,
// up to MaxAttempts. Exceeding the cap halts retries; the connector parks in
// StateFailed until externally restarted.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseDelay
}

// Exhausted reports whether the attempt exceeds the cap.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Book is a venue order book as fetched, before ladder normalization.
type Book struct {
	Symbol    string
	Venue     string
	Timestamp time.Time
	Bids      []BookLevel // best first
	Asks      []BookLevel // best first
}

// BookLevel is one raw price level.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// Connector is the venue abstraction consumed by the ingestion layer and
// the order-book service.
type Connector interface {
	Venue() string
	State() State

	Connect(ctx context.Context) error
	Close() error

	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
	SubscribeBatch(ctx context.Context, symbols []string) error
	Symbols() []string

	// Listener registration returns a detach handle; every registration
	// has a matching cleanup path.
	OnTick(fn func(models.Tick)) (detach func())
	OnTrade(fn func(models.Trade)) (detach func())
	OnStateChange(fn func(State)) (detach func())

	GetOrderBook(ctx context.Context, symbol string, depth int) (*Book, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
	GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error)
	GetAllSymbols(ctx context.Context) ([]string, error)
}

