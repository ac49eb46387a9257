// Package orderbook fetches, normalizes and analyzes venue order-book
// snapshots.
package orderbook

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/connector"
	"github.com/pulsefeed/pulsefeed/internal/storage"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// Signal actions.
const (
	SignalBuy     = "BUY"
	SignalSell    = "SELL"
	SignalNeutral = "NEUTRAL"
)

const (
	defaultDepth          = 100
	defaultPersistLevels  = 25
	defaultPoorSpreadPct  = 1.0
	defaultLowLiquidity   = 10000.0
	defaultBuyImbalance   = 0.3
	defaultSellImbalance  = -0.3
	defaultConfFactor     = 1.5
	defaultConfCap        = 0.95
	defaultBalancedConf   = 0.5
	defaultWallMultiplier = 5.0
)

// Config carries the signal thresholds.
type Config struct {
	Depth          int
	PersistLevels  int     // top-N levels serialized per side
	PoorSpreadPct  float64 // above this, book quality is poor
	LowLiquidity   float64 // liquidity score below this is thin
	BuyImbalance   float64
	SellImbalance  float64
	ConfFactor     float64
	ConfCap        float64
	BalancedConf   float64
	WallMultiplier float64
}

func (c *Config) applyDefaults() {
	if c.Depth <= 0 {
		c.Depth = defaultDepth
	}
	if c.PersistLevels <= 0 {
		c.PersistLevels = defaultPersistLevels
	}
	if c.PoorSpreadPct <= 0 {
		c.PoorSpreadPct = defaultPoorSpreadPct
	}
	if c.LowLiquidity <= 0 {
		c.LowLiquidity = defaultLowLiquidity
	}
	if c.BuyImbalance <= 0 {
		c.BuyImbalance = defaultBuyImbalance
	}
	if c.SellImbalance >= 0 {
		c.SellImbalance = defaultSellImbalance
	}
	if c.ConfFactor <= 0 {
		c.ConfFactor = defaultConfFactor
	}
	if c.ConfCap <= 0 {
		c.ConfCap = defaultConfCap
	}
	if c.BalancedConf <= 0 {
		c.BalancedConf = defaultBalancedConf
	}
	if c.WallMultiplier <= 0 {
		c.WallMultiplier = defaultWallMultiplier
	}
}

// Wall flags a level whose size dwarfs the average level size.
type Wall struct {
	Side     string  `json:"side"` // "bid" or "ask"
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Signal is the analysis verdict for one snapshot.
type Signal struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Imbalance  float64 `json:"imbalance"`
	Walls      []Wall  `json:"walls,omitempty"`
}

// Service answers on-demand order-book requests against venue REST.
type Service struct {
	logger *zap.Logger
	store  storage.Store
	venues map[string]connector.Connector
	cfg    Config
}

// New creates the service over the given connectors.
func New(store storage.Store, conns []connector.Connector, cfg Config, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	venues := make(map[string]connector.Connector, len(conns))
	for _, c := range conns {
		venues[c.Venue()] = c
	}
	return &Service{
		logger: logger,
		store:  store,
		venues: venues,
		cfg:    cfg,
	}
}

// GetOrderBook fetches and normalizes one venue's book for a symbol.
func (s *Service) GetOrderBook(ctx context.Context, symbol, venue string) (*models.OrderBookSnapshot, error) {
	conn, ok := s.venues[venue]
	if !ok {
		return nil, errs.ErrNotFound
	}
	book, err := conn.GetOrderBook(ctx, symbol, s.cfg.Depth)
	if err != nil {
		return nil, err
	}
	return Normalize(book), nil
}

// Normalize turns a raw book into a snapshot with cumulative ladders and
// derived depth metrics.
func Normalize(book *connector.Book) *models.OrderBookSnapshot {
	snap := &models.OrderBookSnapshot{
		ID:        uuid.New(),
		Symbol:    book.Symbol,
		Venue:     book.Venue,
		Timestamp: book.Timestamp,
	}
	snap.Bids = ladder(book.Bids)
	snap.Asks = ladder(book.Asks)

	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return snap
	}
	snap.BestBid = snap.Bids[0].Price
	snap.BestAsk = snap.Asks[0].Price
	snap.Spread = snap.BestAsk - snap.BestBid
	mid := (snap.BestAsk + snap.BestBid) / 2
	if mid > 0 {
		snap.SpreadPercent = snap.Spread / mid * 100
	}

	snap.BidDepth1Pct = depthWithin(snap.Bids, mid*(1-0.01), true)
	snap.BidDepth5Pct = depthWithin(snap.Bids, mid*(1-0.05), true)
	snap.AskDepth1Pct = depthWithin(snap.Asks, mid*(1+0.01), false)
	snap.AskDepth5Pct = depthWithin(snap.Asks, mid*(1+0.05), false)

	bidVol := totalQuantity(snap.Bids)
	askVol := totalQuantity(snap.Asks)
	if bidVol+askVol > 0 {
		snap.Imbalance = (bidVol - askVol) / (bidVol + askVol)
	}
	return snap
}

// ladder annotates levels with cumulative running totals.
func ladder(levels []connector.BookLevel) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, len(levels))
	var total float64
	for _, lv := range levels {
		total += lv.Quantity
		out = append(out, models.OrderBookLevel{
			Price:    lv.Price,
			Quantity: lv.Quantity,
			Total:    total,
		})
	}
	return out
}

// depthWithin sums price×quantity for levels inside the given bound.
func depthWithin(levels []models.OrderBookLevel, bound float64, bidSide bool) float64 {
	var sum float64
	for _, lv := range levels {
		if bidSide && lv.Price < bound {
			break
		}
		if !bidSide && lv.Price > bound {
			break
		}
		sum += lv.Price * lv.Quantity
	}
	return sum
}

func totalQuantity(levels []models.OrderBookLevel) float64 {
	var sum float64
	for _, lv := range levels {
		sum += lv.Quantity
	}
	return sum
}

// Analyze classifies a snapshot into a trading signal.
func (s *Service) Analyze(snap *models.OrderBookSnapshot) Signal {
	sig := Signal{Imbalance: snap.Imbalance, Walls: s.findWalls(snap)}

	liquidity := snap.BidDepth1Pct + snap.AskDepth1Pct
	switch {
	case snap.SpreadPercent > s.cfg.PoorSpreadPct:
		sig.Action = SignalNeutral
		sig.Confidence = 0.1
		sig.Reason = "spread too wide"
	case liquidity < s.cfg.LowLiquidity:
		sig.Action = SignalNeutral
		sig.Confidence = 0.1
		sig.Reason = "low liquidity"
	case snap.Imbalance > s.cfg.BuyImbalance:
		sig.Action = SignalBuy
		sig.Confidence = math.Min(snap.Imbalance*s.cfg.ConfFactor, s.cfg.ConfCap)
		sig.Reason = "bid-side imbalance"
	case snap.Imbalance < s.cfg.SellImbalance:
		sig.Action = SignalSell
		sig.Confidence = math.Min(-snap.Imbalance*s.cfg.ConfFactor, s.cfg.ConfCap)
		sig.Reason = "ask-side imbalance"
	default:
		sig.Action = SignalNeutral
		sig.Confidence = s.cfg.BalancedConf
		sig.Reason = "balanced book"
	}
	return sig
}

// findWalls flags levels larger than the average level size times the
// configured multiplier.
func (s *Service) findWalls(snap *models.OrderBookSnapshot) []Wall {
	var walls []Wall
	for side, levels := range map[string][]models.OrderBookLevel{
		"bid": snap.Bids,
		"ask": snap.Asks,
	} {
		if len(levels) == 0 {
			continue
		}
		avg := totalQuantity(levels) / float64(len(levels))
		if avg <= 0 {
			continue
		}
		for _, lv := range levels {
			if lv.Quantity > avg*s.cfg.WallMultiplier {
				walls = append(walls, Wall{Side: side, Price: lv.Price, Quantity: lv.Quantity})
			}
		}
	}
	return walls
}

// SaveSnapshot persists one snapshot with its top-N levels serialized.
func (s *Service) SaveSnapshot(ctx context.Context, snap *models.OrderBookSnapshot) error {
	row := *snap
	row.BidsJSON = marshalLevels(row.Bids, s.cfg.PersistLevels)
	row.AsksJSON = marshalLevels(row.Asks, s.cfg.PersistLevels)
	return s.store.Insert(ctx, models.TableSnapshots, []models.OrderBookSnapshot{row})
}

func marshalLevels(levels []models.OrderBookLevel, limit int) string {
	if len(levels) > limit {
		levels = levels[:limit]
	}
	data, err := json.Marshal(levels)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// GetHistoricalSnapshots replays persisted snapshots for a lookback
// window, optionally rehydrating the full ladders.
func (s *Service) GetHistoricalSnapshots(ctx context.Context, symbol, venue string, lookback time.Duration, includeLevels bool) ([]models.OrderBookSnapshot, error) {
	since := time.Now().Add(-lookback)
	rows, err := s.store.SnapshotsSince(ctx, symbol, venue, since)
	if err != nil {
		return nil, err
	}
	if includeLevels {
		for i := range rows {
			if rows[i].BidsJSON != "" {
				_ = json.Unmarshal([]byte(rows[i].BidsJSON), &rows[i].Bids)
			}
			if rows[i].AsksJSON != "" {
				_ = json.Unmarshal([]byte(rows[i].AsksJSON), &rows[i].Asks)
			}
		}
	}
	return rows, nil
}
