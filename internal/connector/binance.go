package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	VenueBinance = "binance"

	binanceWSURL   = "wss://stream.binance.com:9443"
	binanceRESTURL = "https://api.binance.com"
)

// Binance streams through the combined-stream endpoint; the subscription
// set is encoded in the URL, so subscription changes rebuild the stream.
type Binance struct {
	*base
	ws     string
	rest   string
	client *http.Client
}

// NewBinance builds a Binance connector.
func NewBinance(cfg VenueConfig, logger *zap.Logger, m *metrics.Metrics) *Binance {
	c := &Binance{
		ws:   cfg.WSURL,
		rest: cfg.RESTURL,
	}
	if c.ws == "" {
		c.ws = binanceWSURL
	}
	if c.rest == "" {
		c.rest = binanceRESTURL
	}
	c.base = newBase(c, cfg, logger, m)
	c.client = c.httpClient(cfg.HTTPTimeout)
	return c
}

func (c *Binance) name() string { return VenueBinance }

func (c *Binance) streamURL(natives []string) string {
	if len(natives) == 0 {
		return c.ws + "/ws"
	}
	streams := make([]string, 0, len(natives)*2)
	for _, s := range natives {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@ticker", lower+"@trade")
	}
	return c.ws + "/stream?streams=" + strings.Join(streams, "/")
}

// subscribeFrames is empty: the combined-stream URL carries the set.
func (c *Binance) subscribeFrames([]string) [][]byte { return nil }

func (c *Binance) keepalive() keepaliveSpec {
	return keepaliveSpec{Interval: 30 * time.Second}
}

type binanceFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	Volume    string `json:"v"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

type binanceTrade struct {
	Event        string `json:"e"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// handleFrame demultiplexes a combined-stream frame by its embedded event
// type.
func (c *Binance) handleFrame(data []byte, sink frameSink) error {
	var frame binanceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errs.Protocolf("binance frame: %v", err)
	}
	payload := frame.Data
	if payload == nil {
		payload = data // raw /ws endpoint, no combined wrapper
	}

	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return errs.Protocolf("binance payload: %v", err)
	}

	switch head.Event {
	case "24hrTicker":
		var t binanceTicker
		if err := json.Unmarshal(payload, &t); err != nil {
			return errs.Protocolf("binance ticker: %v", err)
		}
		price, err := strconv.ParseFloat(t.LastPrice, 64)
		if err != nil {
			return errs.Protocolf("binance ticker price %q", t.LastPrice)
		}
		volume, _ := strconv.ParseFloat(t.Volume, 64)
		bid, _ := strconv.ParseFloat(t.BidPrice, 64)
		ask, _ := strconv.ParseFloat(t.AskPrice, 64)
		bidVol, _ := strconv.ParseFloat(t.BidQty, 64)
		askVol, _ := strconv.ParseFloat(t.AskQty, 64)
		sink.emitTick(models.Tick{
			Symbol:    sink.canonical(t.Symbol),
			Venue:     VenueBinance,
			Timestamp: time.UnixMilli(t.EventTime).UTC(),
			Price:     price,
			Volume:    volume,
			Bid:       bid,
			Ask:       ask,
			BidVolume: bidVol,
			AskVolume: askVol,
		})
	case "trade":
		var t binanceTrade
		if err := json.Unmarshal(payload, &t); err != nil {
			return errs.Protocolf("binance trade: %v", err)
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return errs.Protocolf("binance trade price %q", t.Price)
		}
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		sink.emitTrade(models.Trade{
			Symbol:       sink.canonical(t.Symbol),
			Venue:        VenueBinance,
			Timestamp:    time.UnixMilli(t.TradeTime).UTC(),
			TradeID:      strconv.FormatInt(t.TradeID, 10),
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: t.IsBuyerMaker,
		})
	default:
		// subscription acks and other control frames
	}
	return nil
}

// GetOrderBook fetches the REST depth snapshot.
func (c *Binance) GetOrderBook(ctx context.Context, symbol string, depth int) (*Book, error) {
	if depth <= 0 {
		depth = 100
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", c.rest, native, depth)
	var resp struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := getJSON(ctx, c.client, VenueBinance, url, &resp); err != nil {
		return nil, err
	}
	book := &Book{
		Symbol:    symbol,
		Venue:     VenueBinance,
		Timestamp: time.Now().UTC(),
		Bids:      parseStringLevels(resp.Bids),
		Asks:      parseStringLevels(resp.Asks),
	}
	return book, nil
}

// GetRecentTrades fetches the latest public trades.
func (c *Binance) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/api/v3/trades?symbol=%s&limit=%d", c.rest, native, limit)
	var resp []struct {
		ID           int64  `json:"id"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		Time         int64  `json:"time"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	if err := getJSON(ctx, c.client, VenueBinance, url, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Trade, 0, len(resp))
	for _, t := range resp {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Qty, 64)
		out = append(out, models.Trade{
			Symbol:       symbol,
			Venue:        VenueBinance,
			Timestamp:    time.UnixMilli(t.Time).UTC(),
			TradeID:      strconv.FormatInt(t.ID, 10),
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}
	return out, nil
}

// GetHistoricalCandles fetches klines for one timeframe.
func (c *Binance) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d", c.rest, native, tf, limit)
	var resp [][]any
	if err := getJSON(ctx, c.client, VenueBinance, url, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(resp))
	for _, row := range resp {
		if len(row) < 9 {
			continue
		}
		out = append(out, models.Candle{
			BucketStart: time.UnixMilli(int64(asFloat(row[0]))).UTC(),
			Symbol:      symbol,
			Timeframe:   tf,
			Open:        asFloat(row[1]),
			High:        asFloat(row[2]),
			Low:         asFloat(row[3]),
			Close:       asFloat(row[4]),
			Volume:      asFloat(row[5]),
			QuoteVolume: asFloat(row[7]),
			TradeCount:  int64(asFloat(row[8])),
			Venue:       VenueBinance,
		})
	}
	return out, nil
}

// GetAllSymbols lists tradable symbols.
func (c *Binance) GetAllSymbols(ctx context.Context) ([]string, error) {
	url := c.rest + "/api/v3/exchangeInfo"
	var resp struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := getJSON(ctx, c.client, VenueBinance, url, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status == "TRADING" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// parseStringLevels converts [["price","qty"], ...] arrays.
func parseStringLevels(rows [][]string) []BookLevel {
	out := make([]BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(row[0], 64)
		qty, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, BookLevel{Price: price, Quantity: qty})
	}
	return out
}

// asFloat coerces mixed-type JSON array cells.
func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

var _ Connector = (*Binance)(nil)
