// Package candles reconstructs OHLCV candles from the normalized trade
// stream across a fixed set of timeframes.
package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/storage"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	defaultSweepInterval = 10 * time.Second
	defaultBufferSize    = 200
	defaultFlushInterval = 10 * time.Second
)

// Config tunes the builder's sweep and persistence cadence.
type Config struct {
	SweepInterval time.Duration
	BufferSize    int
	FlushInterval time.Duration
}

// tradeSource is the slice of the ingestion service the builder consumes.
type tradeSource interface {
	OnTrade(fn func(models.Trade)) (detach func())
}

// historySource serves REST candle history for the read-path fallback.
type historySource interface {
	GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error)
}

type candleKey struct {
	symbol    string
	timeframe models.Timeframe
}

// Builder owns the open-candle table. A candle closes either when a trade
// arrives in a later bucket or when the periodic sweep finds its bucket
// elapsed; both paths feed the same close routine.
type Builder struct {
	logger  *zap.Logger
	m       *metrics.Metrics
	bus     bus.Bus
	store   storage.Store
	history historySource // may be nil
	cfg     Config

	buf *storage.WriteBuffer[models.Candle]

	mu   sync.Mutex
	open map[candleKey]*models.Candle

	detachTrade func()
	cancelSweep context.CancelFunc
	done        chan struct{}

	now func() time.Time // test hook
}

// New creates a builder. history may be nil to disable the REST fallback.
func New(store storage.Store, b bus.Bus, history historySource, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Builder {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	builder := &Builder{
		logger:  logger,
		m:       m,
		bus:     b,
		store:   store,
		history: history,
		cfg:     cfg,
		buf:     storage.NewWriteBuffer[models.Candle](store, models.TableCandles, cfg.BufferSize, cfg.FlushInterval, logger),
		open:    make(map[candleKey]*models.Candle),
		now:     time.Now,
	}
	if m != nil {
		builder.buf.SetFlushHook(func(_ int, err error) {
			m.FlushTotal.WithLabelValues(models.TableCandles).Inc()
			if err != nil {
				m.FlushFailures.WithLabelValues(models.TableCandles).Inc()
			}
		})
	}
	return builder
}

// Start attaches to the trade stream and launches the sweep and flush
// loops.
func (b *Builder) Start(src tradeSource) error {
	if b.detachTrade != nil {
		return errs.Configurationf("candle builder already running")
	}
	b.detachTrade = src.OnTrade(b.HandleTrade)
	b.buf.Start()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancelSweep = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Sweep(b.now())
			}
		}
	}()
	b.logger.Info("candle builder started",
		zap.Duration("sweep_interval", b.cfg.SweepInterval))
	return nil
}

// Stop detaches, closes whatever buckets have already elapsed and drains
// the write buffer. Still-open buckets stay open-ended and are dropped;
// they would be incomplete rows.
func (b *Builder) Stop() error {
	if b.detachTrade == nil {
		return nil
	}
	b.detachTrade()
	b.detachTrade = nil
	b.cancelSweep()
	<-b.done
	b.Sweep(b.now())
	b.buf.Stop()
	b.logger.Info("candle builder stopped")
	return nil
}

// HandleTrade folds one trade into every timeframe's open candle. A bad
// trade is isolated: logged and skipped without disturbing other buckets.
func (b *Builder) HandleTrade(t models.Trade) {
	if t.Price <= 0 || t.Quantity < 0 {
		b.logger.Warn("skipping invalid trade",
			zap.String("symbol", t.Symbol), zap.Float64("price", t.Price))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tf := range models.Timeframes() {
		bucket := models.BucketStart(t.Timestamp, tf)
		key := candleKey{symbol: t.Symbol, timeframe: tf}
		cur, ok := b.open[key]
		switch {
		case !ok:
			b.open[key] = newCandle(t, tf, bucket)
		case cur.BucketStart.Equal(bucket):
			applyTrade(cur, t)
		case bucket.After(cur.BucketStart):
			// event-driven close: the stream moved past the old bucket
			b.closeLocked(key, cur)
			b.open[key] = newCandle(t, tf, bucket)
		default:
			// late trade for an already-closed bucket; history rewrites
			// are out of contract
			b.logger.Debug("dropping late trade",
				zap.String("symbol", t.Symbol),
				zap.Time("bucket", bucket),
				zap.Time("open_bucket", cur.BucketStart))
		}
	}
}

// Sweep closes every candle whose bucket has fully elapsed at now; this is
// the timer path that covers market silence.
func (b *Builder) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, candle := range b.open {
		if !now.Before(candle.BucketStart.Add(key.timeframe.Duration())) {
			b.closeLocked(key, candle)
			delete(b.open, key)
		}
	}
}

// closeLocked queues the closed candle for persistence and republishes it.
// Caller holds b.mu.
func (b *Builder) closeLocked(key candleKey, c *models.Candle) {
	closed := *c
	b.buf.Add(closed)
	if b.m != nil {
		b.m.CandlesClosed.WithLabelValues(string(key.timeframe)).Inc()
	}
	topic := fmt.Sprintf("candle.%s.%s", key.timeframe, key.symbol)
	data, err := json.Marshal(closed)
	if err != nil {
		b.logger.Error("marshal candle", zap.Error(err))
		return
	}
	if err := b.bus.Publish(context.Background(), topic, data); err != nil {
		b.logger.Warn("candle publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// OpenCandle exposes the current open candle for a key; read accessor over
// component-owned state.
func (b *Builder) OpenCandle(symbol string, tf models.Timeframe) (models.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.open[candleKey{symbol: symbol, timeframe: tf}]
	if !ok {
		return models.Candle{}, false
	}
	return *c, true
}

// GetCandles reads persisted candles, topping up from venue REST history
// when storage is short; fetched rows backfill storage best effort.
func (b *Builder) GetCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	stored, err := b.store.RecentCandles(ctx, symbol, tf, limit)
	if err != nil {
		return nil, err
	}
	if len(stored) >= limit || b.history == nil {
		return stored, nil
	}

	fetched, err := b.history.GetHistoricalCandles(ctx, symbol, tf, limit)
	if err != nil {
		b.logger.Warn("candle history fallback failed",
			zap.String("symbol", symbol), zap.String("timeframe", string(tf)), zap.Error(err))
		return stored, nil
	}
	if len(fetched) == 0 {
		return stored, nil
	}
	if err := b.store.Insert(ctx, models.TableCandles, fetched); err != nil {
		b.logger.Warn("candle backfill failed", zap.Error(err))
	}
	if len(fetched) > limit {
		fetched = fetched[:limit]
	}
	return fetched, nil
}

func newCandle(t models.Trade, tf models.Timeframe, bucket time.Time) *models.Candle {
	return &models.Candle{
		BucketStart: bucket,
		Symbol:      t.Symbol,
		Timeframe:   tf,
		Open:        t.Price,
		High:        t.Price,
		Low:         t.Price,
		Close:       t.Price,
		Volume:      t.Quantity,
		QuoteVolume: t.Price * t.Quantity,
		TradeCount:  1,
		Venue:       t.Venue,
	}
}

func applyTrade(c *models.Candle, t models.Trade) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Quantity
	c.QuoteVolume += t.Price * t.Quantity
	c.TradeCount++
}
