// Package aggregator computes the cross-venue consensus price and serves
// arbitrage queries.
package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/storage"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	defaultInterval      = 5 * time.Second
	defaultMaxAge        = 30 * time.Second
	defaultArbWindow     = 5 * time.Minute
	defaultBufferSize    = 50
	defaultFlushInterval = 10 * time.Second

	defaultMinSpreadPct = 0.1
)

// Config tunes the sweep cadence and staleness policy.
type Config struct {
	Interval         time.Duration
	MaxAge           time.Duration // venue entries older than this are evicted
	ArbWindow        time.Duration // lookback for arbitrage queries
	MinSpreadPercent float64       // arbitrage floor when the caller passes none
	BufferSize       int
	FlushInterval    time.Duration
}

type venueEntry struct {
	price     float64
	volume    float64
	timestamp time.Time
}

// tickSource is the slice of the ingestion service the aggregator consumes.
type tickSource interface {
	OnTick(fn func(models.Tick)) (detach func())
}

// Aggregator keeps one price/volume entry per (symbol, venue), unlike the
// last-quote cache which collapses venues, and emits one consensus row per
// symbol per sweep.
type Aggregator struct {
	logger *zap.Logger
	m      *metrics.Metrics
	store  storage.Store
	bus    bus.Bus
	cfg    Config

	buf *storage.WriteBuffer[models.AggregatedPrice]

	mu    sync.Mutex
	table map[string]map[string]venueEntry // symbol -> venue -> entry

	detachTick func()
	cancel     context.CancelFunc
	done       chan struct{}

	now func() time.Time // test hook
}

// New creates an aggregator.
func New(store storage.Store, b bus.Bus, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.ArbWindow <= 0 {
		cfg.ArbWindow = defaultArbWindow
	}
	if cfg.MinSpreadPercent <= 0 {
		cfg.MinSpreadPercent = defaultMinSpreadPct
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	a := &Aggregator{
		logger: logger,
		m:      m,
		store:  store,
		bus:    b,
		cfg:    cfg,
		buf:    storage.NewWriteBuffer[models.AggregatedPrice](store, models.TableAggregates, cfg.BufferSize, cfg.FlushInterval, logger),
		table:  make(map[string]map[string]venueEntry),
		now:    time.Now,
	}
	if m != nil {
		a.buf.SetFlushHook(func(_ int, err error) {
			m.FlushTotal.WithLabelValues(models.TableAggregates).Inc()
			if err != nil {
				m.FlushFailures.WithLabelValues(models.TableAggregates).Inc()
			}
		})
	}
	return a
}

// Start attaches to the tick stream and launches the sweep loop.
func (a *Aggregator) Start(src tickSource) {
	a.detachTick = src.OnTick(a.AddTick)
	a.buf.Start()
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep(context.Background())
			}
		}
	}()
	a.logger.Info("aggregator started", zap.Duration("interval", a.cfg.Interval))
}

// Stop detaches and halts the sweep loop.
func (a *Aggregator) Stop() {
	if a.detachTick != nil {
		a.detachTick()
		a.detachTick = nil
	}
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.buf.Stop()
	a.logger.Info("aggregator stopped")
}

// AddTick stores the venue's latest price/volume for the symbol,
// overwriting on arrival.
func (a *Aggregator) AddTick(t models.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()
	venues, ok := a.table[t.Symbol]
	if !ok {
		venues = make(map[string]venueEntry)
		a.table[t.Symbol] = venues
	}
	venues[t.Venue] = venueEntry{
		price:     t.Price,
		volume:    t.Volume,
		timestamp: t.Timestamp,
	}
}

// Sweep evicts stale venue entries, computes one consensus row per
// remaining symbol, queues the batch for persistence and republishes each
// row. A failed flush keeps its rows buffered for the next attempt.
func (a *Aggregator) Sweep(ctx context.Context) {
	started := time.Now()
	rows := a.computeAll(a.now())
	if a.m != nil {
		defer func() {
			a.m.SweepDuration.Observe(time.Since(started).Seconds())
		}()
	}
	if len(rows) == 0 {
		return
	}
	for _, row := range rows {
		a.buf.Add(row)
	}
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			a.logger.Error("marshal aggregate", zap.String("symbol", row.Symbol), zap.Error(err))
			continue
		}
		if err := a.bus.Publish(ctx, "agg."+row.Symbol, data); err != nil {
			a.logger.Warn("aggregate publish failed", zap.String("symbol", row.Symbol), zap.Error(err))
		}
	}
}

func (a *Aggregator) computeAll(now time.Time) []models.AggregatedPrice {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := make([]models.AggregatedPrice, 0, len(a.table))
	for symbol, venues := range a.table {
		for venue, entry := range venues {
			if now.Sub(entry.timestamp) > a.cfg.MaxAge {
				delete(venues, venue)
			}
		}
		if len(venues) == 0 {
			delete(a.table, symbol)
			continue
		}
		rows = append(rows, consensus(symbol, venues, now))
	}
	return rows
}

// consensus computes VWAP, average price and the cross-venue spread for
// one symbol. VWAP falls back to the arithmetic mean when total volume is
// zero.
func consensus(symbol string, venues map[string]venueEntry, now time.Time) models.AggregatedPrice {
	var (
		weighted    = decimal.Zero
		totalVolume = decimal.Zero
		priceSum    = decimal.Zero
		minPrice    float64
		maxPrice    float64
		highVenue   string
		lowVenue    string
		first       = true
	)
	venuePrices := make([]models.VenuePrice, 0, len(venues))
	for venue, entry := range venues {
		price := decimal.NewFromFloat(entry.price)
		volume := decimal.NewFromFloat(entry.volume)
		weighted = weighted.Add(price.Mul(volume))
		totalVolume = totalVolume.Add(volume)
		priceSum = priceSum.Add(price)
		venuePrices = append(venuePrices, models.VenuePrice{
			Venue:  venue,
			Price:  entry.price,
			Volume: entry.volume,
		})
		if first || entry.price < minPrice {
			minPrice = entry.price
			lowVenue = venue
		}
		if first || entry.price > maxPrice {
			maxPrice = entry.price
			highVenue = venue
		}
		first = false
	}

	count := decimal.NewFromInt(int64(len(venues)))
	avg := priceSum.Div(count)

	var vwap decimal.Decimal
	if totalVolume.IsZero() {
		vwap = avg
	} else {
		vwap = weighted.Div(totalVolume)
	}

	var spreadPct float64
	if minPrice > 0 {
		spread := decimal.NewFromFloat(maxPrice).
			Sub(decimal.NewFromFloat(minPrice)).
			Div(decimal.NewFromFloat(minPrice)).
			Mul(decimal.NewFromInt(100))
		spreadPct, _ = spread.Float64()
	}

	vwapF, _ := vwap.Float64()
	avgF, _ := avg.Float64()
	totalF, _ := totalVolume.Float64()
	vpJSON, _ := json.Marshal(venuePrices)

	return models.AggregatedPrice{
		Timestamp:         now.UTC(),
		Symbol:            symbol,
		VWAP:              vwapF,
		AvgPrice:          avgF,
		VenuePrices:       venuePrices,
		VenuePricesJSON:   string(vpJSON),
		TotalVolume:       totalF,
		MaxSpreadPercent:  spreadPct,
		HighVenue:         highVenue,
		LowVenue:          lowVenue,
		ContributingCount: len(venues),
	}
}

// GetAggregatedPrices returns the latest rows for the given symbols.
func (a *Aggregator) GetAggregatedPrices(ctx context.Context, symbols []string, limit int) ([]models.AggregatedPrice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.store.RecentAggregates(ctx, symbols, limit)
	if err != nil {
		return nil, err
	}
	decodeVenuePrices(rows)
	return rows, nil
}

// GetArbitrageOpportunities returns recent rows whose cross-venue spread
// meets the threshold with at least two contributing venues, widest spread
// first.
func (a *Aggregator) GetArbitrageOpportunities(ctx context.Context, minSpreadPct float64, limit int) ([]models.AggregatedPrice, error) {
	if limit <= 0 {
		limit = 20
	}
	if minSpreadPct <= 0 {
		minSpreadPct = a.cfg.MinSpreadPercent
	}
	since := a.now().Add(-a.cfg.ArbWindow)
	rows, err := a.store.AggregatesSince(ctx, since, limit*4)
	if err != nil {
		return nil, err
	}
	out := make([]models.AggregatedPrice, 0, limit)
	for _, row := range rows {
		if row.MaxSpreadPercent >= minSpreadPct && row.ContributingCount >= 2 {
			out = append(out, row)
			if len(out) >= limit {
				break
			}
		}
	}
	decodeVenuePrices(out)
	return out, nil
}

func decodeVenuePrices(rows []models.AggregatedPrice) {
	for i := range rows {
		if rows[i].VenuePrices == nil && rows[i].VenuePricesJSON != "" {
			_ = json.Unmarshal([]byte(rows[i].VenuePricesJSON), &rows[i].VenuePrices)
		}
	}
}
