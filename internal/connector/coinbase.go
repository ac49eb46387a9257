package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	VenueCoinbase = "coinbase"

	coinbaseWSURL   = "wss://ws-feed.exchange.coinbase.com"
	coinbaseRESTURL = "https://api.exchange.coinbase.com"
)

// coinbaseGranularities maps timeframes onto the venue's supported candle
// granularities in seconds. 4h and 1w have no REST equivalent.
var coinbaseGranularities = map[models.Timeframe]int{
	models.Timeframe1m:  60,
	models.Timeframe5m:  300,
	models.Timeframe15m: 900,
	models.Timeframe1h:  3600,
	models.Timeframe1d:  86400,
}

// Coinbase subscribes over a fixed feed URL with JSON subscribe frames.
type Coinbase struct {
	*base
	ws     string
	rest   string
	client *http.Client
}

// NewCoinbase builds a Coinbase connector.
func NewCoinbase(cfg VenueConfig, logger *zap.Logger, m *metrics.Metrics) *Coinbase {
	c := &Coinbase{
		ws:   cfg.WSURL,
		rest: cfg.RESTURL,
	}
	if c.ws == "" {
		c.ws = coinbaseWSURL
	}
	if c.rest == "" {
		c.rest = coinbaseRESTURL
	}
	c.base = newBase(c, cfg, logger, m)
	c.client = c.httpClient(cfg.HTTPTimeout)
	return c
}

func (c *Coinbase) name() string { return VenueCoinbase }

// streamURL is static; the subscription set travels in subscribe frames.
func (c *Coinbase) streamURL([]string) string { return c.ws }

func (c *Coinbase) subscribeFrames(natives []string) [][]byte {
	if len(natives) == 0 {
		return nil
	}
	frame, _ := json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": natives,
		"channels":    []string{"ticker", "matches", "heartbeat"},
	})
	return [][]byte{frame}
}

func (c *Coinbase) keepalive() keepaliveSpec {
	return keepaliveSpec{Interval: 20 * time.Second}
}

type coinbaseMessage struct {
	Type         string `json:"type"`
	ProductID    string `json:"product_id"`
	Price        string `json:"price"`
	BestBid      string `json:"best_bid"`
	BestBidSize  string `json:"best_bid_size"`
	BestAsk      string `json:"best_ask"`
	BestAskSize  string `json:"best_ask_size"`
	Volume24h    string `json:"volume_24h"`
	TradeID      int64  `json:"trade_id"`
	Size         string `json:"size"`
	Side         string `json:"side"`
	Time         string `json:"time"`
	Message      string `json:"message"`
}

// handleFrame demultiplexes feed messages by their type discriminator.
func (c *Coinbase) handleFrame(data []byte, sink frameSink) error {
	var msg coinbaseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errs.Protocolf("coinbase frame: %v", err)
	}

	switch msg.Type {
	case "ticker":
		price, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil {
			return errs.Protocolf("coinbase ticker price %q", msg.Price)
		}
		bid, _ := strconv.ParseFloat(msg.BestBid, 64)
		ask, _ := strconv.ParseFloat(msg.BestAsk, 64)
		bidVol, _ := strconv.ParseFloat(msg.BestBidSize, 64)
		askVol, _ := strconv.ParseFloat(msg.BestAskSize, 64)
		volume, _ := strconv.ParseFloat(msg.Volume24h, 64)
		sink.emitTick(models.Tick{
			Symbol:    sink.canonical(msg.ProductID),
			Venue:     VenueCoinbase,
			Timestamp: parseCoinbaseTime(msg.Time),
			Price:     price,
			Volume:    volume,
			Bid:       bid,
			Ask:       ask,
			BidVolume: bidVol,
			AskVolume: askVol,
		})
	case "match", "last_match":
		price, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil {
			return errs.Protocolf("coinbase match price %q", msg.Price)
		}
		qty, _ := strconv.ParseFloat(msg.Size, 64)
		sink.emitTrade(models.Trade{
			Symbol:    sink.canonical(msg.ProductID),
			Venue:     VenueCoinbase,
			Timestamp: parseCoinbaseTime(msg.Time),
			TradeID:   strconv.FormatInt(msg.TradeID, 10),
			Price:     price,
			Quantity:  qty,
			// side is the maker order side on this feed
			IsBuyerMaker: msg.Side == "buy",
		})
	case "error":
		return errs.Protocolf("coinbase feed error: %s", msg.Message)
	default:
		// subscriptions, heartbeats
	}
	return nil
}

func parseCoinbaseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

// GetOrderBook fetches the level-2 book.
func (c *Coinbase) GetOrderBook(ctx context.Context, symbol string, depth int) (*Book, error) {
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/products/%s/book?level=2", c.rest, native)
	var resp struct {
		Bids [][]json.RawMessage `json:"bids"`
		Asks [][]json.RawMessage `json:"asks"`
	}
	if err := getJSON(ctx, c.client, VenueCoinbase, url, &resp); err != nil {
		return nil, err
	}
	book := &Book{
		Symbol:    symbol,
		Venue:     VenueCoinbase,
		Timestamp: time.Now().UTC(),
		Bids:      parseRawLevels(resp.Bids, depth),
		Asks:      parseRawLevels(resp.Asks, depth),
	}
	return book, nil
}

// parseRawLevels handles [price, size, num_orders] rows where price and
// size are JSON strings.
func parseRawLevels(rows [][]json.RawMessage, limit int) []BookLevel {
	out := make([]BookLevel, 0, len(rows))
	for _, row := range rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(row) < 2 {
			continue
		}
		var priceS, qtyS string
		if json.Unmarshal(row[0], &priceS) != nil || json.Unmarshal(row[1], &qtyS) != nil {
			continue
		}
		price, err1 := strconv.ParseFloat(priceS, 64)
		qty, err2 := strconv.ParseFloat(qtyS, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, BookLevel{Price: price, Quantity: qty})
	}
	return out
}

// GetRecentTrades fetches the latest public trades.
func (c *Coinbase) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/products/%s/trades?limit=%d", c.rest, native, limit)
	var resp []struct {
		Time    string `json:"time"`
		TradeID int64  `json:"trade_id"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
	}
	if err := getJSON(ctx, c.client, VenueCoinbase, url, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Trade, 0, len(resp))
	for _, t := range resp {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Size, 64)
		out = append(out, models.Trade{
			Symbol:       symbol,
			Venue:        VenueCoinbase,
			Timestamp:    parseCoinbaseTime(t.Time),
			TradeID:      strconv.FormatInt(t.TradeID, 10),
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: t.Side == "buy",
		})
	}
	return out, nil
}

// GetHistoricalCandles fetches candles for the timeframes the venue
// supports; others fail fast as a configuration error.
func (c *Coinbase) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	granularity, ok := coinbaseGranularities[tf]
	if !ok {
		return nil, errs.Configurationf("timeframe %s not supported by coinbase candles", tf)
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/products/%s/candles?granularity=%d", c.rest, native, granularity)
	var resp [][]float64
	if err := getJSON(ctx, c.client, VenueCoinbase, url, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(resp))
	for _, row := range resp {
		if len(row) < 6 {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		// rows are [time, low, high, open, close, volume], newest first
		out = append(out, models.Candle{
			BucketStart: time.Unix(int64(row[0]), 0).UTC(),
			Symbol:      symbol,
			Timeframe:   tf,
			Open:        row[3],
			High:        row[2],
			Low:         row[1],
			Close:       row[4],
			Volume:      row[5],
			Venue:       VenueCoinbase,
		})
	}
	return out, nil
}

// GetAllSymbols lists online products.
func (c *Coinbase) GetAllSymbols(ctx context.Context) ([]string, error) {
	url := c.rest + "/products"
	var resp []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := getJSON(ctx, c.client, VenueCoinbase, url, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp))
	for _, p := range resp {
		if p.Status == "online" {
			out = append(out, p.ID)
		}
	}
	return out, nil
}

var _ Connector = (*Coinbase)(nil)
