package models

import (
	"time"

	"github.com/google/uuid"
)

// Tick is the latest quote snapshot for a symbol on one venue.
type Tick struct {
	Symbol    string    `json:"symbol" gorm:"index"`
	Venue     string    `json:"venue" gorm:"index"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidVolume float64   `json:"bid_volume"`
	AskVolume float64   `json:"ask_volume"`
}

// Trade is a single executed trade reported by a venue.
type Trade struct {
	Symbol       string    `json:"symbol" gorm:"index"`
	Venue        string    `json:"venue" gorm:"index"`
	Timestamp    time.Time `json:"timestamp" gorm:"index"`
	TradeID      string    `json:"trade_id"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	IsBuyerMaker bool      `json:"is_buyer_maker"`
}

// Candle is one OHLCV bucket. Mutable while its bucket is open, immutable
// once closed and queued for persistence.
type Candle struct {
	BucketStart time.Time `json:"bucket_start" gorm:"index:idx_candle_key,unique"`
	Symbol      string    `json:"symbol" gorm:"index:idx_candle_key,unique"`
	Timeframe   Timeframe `json:"timeframe" gorm:"index:idx_candle_key,unique"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quote_volume"`
	TradeCount  int64     `json:"trade_count"`
	Venue       string    `json:"venue"`
}

// OrderBookLevel is one price level with its cumulative running total.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Total    float64 `json:"total"`
}

// OrderBookSnapshot is an order book captured at one instant, with derived
// depth metrics. Immutable once captured. Ladders are serialized to JSON
// columns for replay.
type OrderBookSnapshot struct {
	ID            uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	Symbol        string           `json:"symbol" gorm:"index"`
	Venue         string           `json:"venue" gorm:"index"`
	Timestamp     time.Time        `json:"timestamp" gorm:"index"`
	BestBid       float64          `json:"best_bid"`
	BestAsk       float64          `json:"best_ask"`
	Spread        float64          `json:"spread"`
	SpreadPercent float64          `json:"spread_percent"`
	BidDepth1Pct  float64          `json:"bid_depth_1pct"`
	AskDepth1Pct  float64          `json:"ask_depth_1pct"`
	BidDepth5Pct  float64          `json:"bid_depth_5pct"`
	AskDepth5Pct  float64          `json:"ask_depth_5pct"`
	Imbalance     float64          `json:"imbalance"`
	Bids          []OrderBookLevel `json:"bids" gorm:"-"`
	Asks          []OrderBookLevel `json:"asks" gorm:"-"`
	BidsJSON      string           `json:"-" gorm:"column:bids_json;type:text"`
	AsksJSON      string           `json:"-" gorm:"column:asks_json;type:text"`
}

// VenuePrice is one venue's contribution to an aggregation sweep.
type VenuePrice struct {
	Venue  string  `json:"venue"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// AggregatedPrice is one cross-venue consensus row, emitted per symbol per
// aggregation sweep.
type AggregatedPrice struct {
	Timestamp         time.Time    `json:"timestamp" gorm:"index"`
	Symbol            string       `json:"symbol" gorm:"index"`
	VWAP              float64      `json:"vwap"`
	AvgPrice          float64      `json:"avg_price"`
	VenuePrices       []VenuePrice `json:"venue_prices" gorm:"-"`
	VenuePricesJSON   string       `json:"-" gorm:"column:venue_prices_json;type:text"`
	TotalVolume       float64      `json:"total_volume"`
	MaxSpreadPercent  float64      `json:"max_spread_percent"`
	HighVenue         string       `json:"high_venue"`
	LowVenue          string       `json:"low_venue"`
	ContributingCount int          `json:"contributing_venue_count"`
}

// Table names used by the append-only store.
const (
	TableTicks      = "ticks"
	TableTrades     = "trades"
	TableCandles    = "candles"
	TableSnapshots  = "orderbook_snapshots"
	TableAggregates = "aggregated_prices"
)
