// Package ingest bridges connector events to storage, the internal bus and
// in-process consumers.
package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/connector"
	"github.com/pulsefeed/pulsefeed/internal/events"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/storage"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	defaultBufferSize    = 500
	defaultFlushInterval = 5 * time.Second
)

// Config tunes the write buffers.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
}

// Service consumes connector events, maintains the last-quote cache,
// batches raw rows for persistence and republishes normalized events.
type Service struct {
	logger *zap.Logger
	m      *metrics.Metrics
	store  storage.Store
	bus    bus.Bus
	venues map[string]connector.Connector

	// quotes keys by symbol only: the last writer across venues wins.
	// The aggregator keeps its own per-venue table; the two views are
	// intentionally different.
	mu     sync.RWMutex
	quotes map[string]models.Tick

	tickBuf  *storage.WriteBuffer[models.Tick]
	tradeBuf *storage.WriteBuffer[models.Trade]

	ticks  *events.Registry[models.Tick]
	trades *events.Registry[models.Trade]

	detachers []func()
	running   bool
}

// New wires the service to its connectors, store and bus.
func New(store storage.Store, b bus.Bus, conns []connector.Connector, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	venues := make(map[string]connector.Connector, len(conns))
	for _, c := range conns {
		venues[c.Venue()] = c
	}
	s := &Service{
		logger:   logger,
		m:        m,
		store:    store,
		bus:      b,
		venues:   venues,
		quotes:   make(map[string]models.Tick),
		tickBuf:  storage.NewWriteBuffer[models.Tick](store, models.TableTicks, cfg.BufferSize, cfg.FlushInterval, logger),
		tradeBuf: storage.NewWriteBuffer[models.Trade](store, models.TableTrades, cfg.BufferSize, cfg.FlushInterval, logger),
		ticks:    events.NewRegistry[models.Tick](),
		trades:   events.NewRegistry[models.Trade](),
	}
	if m != nil {
		s.tickBuf.SetFlushHook(flushHook(m, models.TableTicks))
		s.tradeBuf.SetFlushHook(flushHook(m, models.TableTrades))
	}
	return s
}

func flushHook(m *metrics.Metrics, table string) func(int, error) {
	return func(_ int, err error) {
		m.FlushTotal.WithLabelValues(table).Inc()
		if err != nil {
			m.FlushFailures.WithLabelValues(table).Inc()
		}
	}
}

// Start registers on every connector and launches the flush loops.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errs.Configurationf("ingest service already running")
	}
	for _, c := range s.venues {
		s.detachers = append(s.detachers,
			c.OnTick(s.handleTick),
			c.OnTrade(s.handleTrade),
		)
	}
	s.tickBuf.Start()
	s.tradeBuf.Start()
	s.running = true
	s.logger.Info("ingest service started", zap.Int("venues", len(s.venues)))
	return nil
}

// Stop detaches every connector callback and drains the buffers.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	detachers := s.detachers
	s.detachers = nil
	s.running = false
	s.mu.Unlock()

	for _, detach := range detachers {
		detach()
	}
	s.tickBuf.Stop()
	s.tradeBuf.Stop()
	s.logger.Info("ingest service stopped")
	return nil
}

func (s *Service) handleTick(t models.Tick) {
	if s.m != nil {
		s.m.TicksIngested.WithLabelValues(t.Venue).Inc()
	}
	s.mu.Lock()
	s.quotes[t.Symbol] = t
	s.mu.Unlock()

	s.tickBuf.Add(t)
	s.publish("tick."+t.Symbol, t)
	s.ticks.Emit(s.logger, t)
}

func (s *Service) handleTrade(t models.Trade) {
	if s.m != nil {
		s.m.TradesIngested.WithLabelValues(t.Venue).Inc()
	}
	s.tradeBuf.Add(t)
	s.publish("trade."+t.Symbol, t)
	s.trades.Emit(s.logger, t)
}

func (s *Service) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := s.bus.Publish(context.Background(), topic, data); err != nil {
		s.logger.Warn("bus publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// GetQuote returns the latest cached quote for a symbol, regardless of
// which venue produced it.
func (s *Service) GetQuote(symbol string) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.quotes[symbol]
	return t, ok
}

// GetAvailableTickers lists every symbol with a cached quote, sorted.
func (s *Service) GetAvailableTickers() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// OnTick registers an in-process tick consumer.
func (s *Service) OnTick(fn func(models.Tick)) (detach func()) {
	return s.ticks.Add(fn)
}

// OnTrade registers an in-process trade consumer.
func (s *Service) OnTrade(fn func(models.Trade)) (detach func()) {
	return s.trades.Add(fn)
}

// GetHistoricalTrades reads persisted trades, falling back to the venue's
// REST history when storage is short, and backfills storage with what the
// venue returned. The fallback is best effort.
func (s *Service) GetHistoricalTrades(ctx context.Context, symbol, venue string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	stored, err := s.store.RecentTrades(ctx, symbol, venue, limit)
	if err != nil {
		return nil, err
	}
	if len(stored) >= limit {
		return stored, nil
	}

	conn, ok := s.venues[venue]
	if !ok {
		return stored, nil
	}
	fetched, err := conn.GetRecentTrades(ctx, symbol, limit)
	if err != nil {
		s.logger.Warn("history fallback failed",
			zap.String("symbol", symbol), zap.String("venue", venue), zap.Error(err))
		return stored, nil
	}
	if len(fetched) == 0 {
		return stored, nil
	}
	if err := s.store.Insert(ctx, models.TableTrades, fetched); err != nil {
		s.logger.Warn("history backfill failed", zap.Error(err))
	}
	if len(fetched) > limit {
		fetched = fetched[:limit]
	}
	return fetched, nil
}
