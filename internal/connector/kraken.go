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
	VenueKraken = "kraken"

	krakenWSURL   = "wss://ws.kraken.com"
	krakenRESTURL = "https://api.kraken.com"
)

// krakenIntervals maps timeframes onto the venue's OHLC interval minutes.
var krakenIntervals = map[models.Timeframe]int{
	models.Timeframe1m:  1,
	models.Timeframe5m:  5,
	models.Timeframe15m: 15,
	models.Timeframe1h:  60,
	models.Timeframe4h:  240,
	models.Timeframe1d:  1440,
	models.Timeframe1w:  10080,
}

// Kraken subscribes with JSON frames and keeps the connection alive with
// application-level ping events rather than protocol pings.
type Kraken struct {
	*base
	ws     string
	rest   string
	client *http.Client
}

// NewKraken builds a Kraken connector.
func NewKraken(cfg VenueConfig, logger *zap.Logger, m *metrics.Metrics) *Kraken {
	c := &Kraken{
		ws:   cfg.WSURL,
		rest: cfg.RESTURL,
	}
	if c.ws == "" {
		c.ws = krakenWSURL
	}
	if c.rest == "" {
		c.rest = krakenRESTURL
	}
	c.base = newBase(c, cfg, logger, m)
	c.client = c.httpClient(cfg.HTTPTimeout)
	return c
}

func (c *Kraken) name() string { return VenueKraken }

func (c *Kraken) streamURL([]string) string { return c.ws }

func (c *Kraken) subscribeFrames(natives []string) [][]byte {
	if len(natives) == 0 {
		return nil
	}
	var frames [][]byte
	for _, channel := range []string{"ticker", "trade"} {
		frame, _ := json.Marshal(map[string]any{
			"event":        "subscribe",
			"pair":         natives,
			"subscription": map[string]string{"name": channel},
		})
		frames = append(frames, frame)
	}
	return frames
}

func (c *Kraken) keepalive() keepaliveSpec {
	return keepaliveSpec{
		Interval: 20 * time.Second,
		AppPing:  []byte(`{"event":"ping"}`),
	}
}

// handleFrame distinguishes event objects from channel data arrays.
func (c *Kraken) handleFrame(data []byte, sink frameSink) error {
	if len(data) == 0 {
		return errs.Protocolf("kraken: empty frame")
	}
	if data[0] == '{' {
		var evt struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return errs.Protocolf("kraken event: %v", err)
		}
		if evt.Status == "error" {
			return errs.Protocolf("kraken: %s", evt.ErrorMessage)
		}
		// heartbeat, pong, systemStatus, subscriptionStatus
		return nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return errs.Protocolf("kraken frame: %v", err)
	}
	if len(frame) < 4 {
		return errs.Protocolf("kraken: short channel frame")
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		return errs.Protocolf("kraken channel name: %v", err)
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return errs.Protocolf("kraken pair: %v", err)
	}

	switch channel {
	case "ticker":
		return c.handleTicker(frame[1], pair, sink)
	case "trade":
		return c.handleTrades(frame[1], pair, sink)
	}
	return nil
}

func (c *Kraken) handleTicker(raw json.RawMessage, pair string, sink frameSink) error {
	// bid/ask arrays mix string prices with bare-number lot counts
	var t struct {
		Ask    []any `json:"a"`
		Bid    []any `json:"b"`
		Close  []any `json:"c"`
		Volume []any `json:"v"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return errs.Protocolf("kraken ticker: %v", err)
	}
	if len(t.Close) == 0 {
		return errs.Protocolf("kraken ticker: missing close")
	}
	price := asFloat(t.Close[0])
	if price == 0 {
		return errs.Protocolf("kraken ticker price %v", t.Close[0])
	}
	tick := models.Tick{
		Symbol:    sink.canonical(pair),
		Venue:     VenueKraken,
		Timestamp: time.Now().UTC(),
		Price:     price,
	}
	if len(t.Bid) > 0 {
		tick.Bid = asFloat(t.Bid[0])
	}
	if len(t.Bid) > 2 {
		tick.BidVolume = asFloat(t.Bid[2])
	}
	if len(t.Ask) > 0 {
		tick.Ask = asFloat(t.Ask[0])
	}
	if len(t.Ask) > 2 {
		tick.AskVolume = asFloat(t.Ask[2])
	}
	if len(t.Volume) > 1 {
		tick.Volume = asFloat(t.Volume[1])
	}
	sink.emitTick(tick)
	return nil
}

func (c *Kraken) handleTrades(raw json.RawMessage, pair string, sink frameSink) error {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return errs.Protocolf("kraken trades: %v", err)
	}
	symbol := sink.canonical(pair)
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		price, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			continue
		}
		qty, _ := strconv.ParseFloat(row[1], 64)
		secs, _ := strconv.ParseFloat(row[2], 64)
		ts := time.Unix(0, int64(secs*float64(time.Second))).UTC()
		sink.emitTrade(models.Trade{
			Symbol:    symbol,
			Venue:     VenueKraken,
			Timestamp: ts,
			// the feed carries no trade id; pair+exchange timestamp is
			// the closest stable key
			TradeID:  fmt.Sprintf("%s-%s", pair, row[2]),
			Price:    price,
			Quantity: qty,
			// row[3] is the taker side; a selling taker means the buyer
			// made the resting order
			IsBuyerMaker: row[3] == "s",
		})
	}
	return nil
}

// krakenResult unwraps the venue's {error:[],result:{...}} envelope.
type krakenResult[T any] struct {
	Error  []string     `json:"error"`
	Result map[string]T `json:"result"`
}

func (r *krakenResult[T]) first(venueEndpoint string) (T, error) {
	var zero T
	if len(r.Error) > 0 {
		return zero, &errs.UpstreamAPIError{
			Venue:    VenueKraken,
			Endpoint: venueEndpoint,
			Status:   200,
			Body:     r.Error[0],
		}
	}
	for key, v := range r.Result {
		if key == "last" {
			continue
		}
		return v, nil
	}
	return zero, &errs.UpstreamAPIError{
		Venue:    VenueKraken,
		Endpoint: venueEndpoint,
		Status:   200,
		Body:     "empty result",
	}
}

// GetOrderBook fetches the REST depth snapshot.
func (c *Kraken) GetOrderBook(ctx context.Context, symbol string, depth int) (*Book, error) {
	if depth <= 0 {
		depth = 100
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/0/public/Depth?pair=%s&count=%d", c.rest, native, depth)
	var resp krakenResult[struct {
		Asks [][]json.RawMessage `json:"asks"`
		Bids [][]json.RawMessage `json:"bids"`
	}]
	if err := getJSON(ctx, c.client, VenueKraken, url, &resp); err != nil {
		return nil, err
	}
	book, err := resp.first(url)
	if err != nil {
		return nil, err
	}
	return &Book{
		Symbol:    symbol,
		Venue:     VenueKraken,
		Timestamp: time.Now().UTC(),
		Bids:      parseRawLevels(book.Bids, depth),
		Asks:      parseRawLevels(book.Asks, depth),
	}, nil
}

// GetRecentTrades fetches the latest public trades.
func (c *Kraken) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/0/public/Trades?pair=%s", c.rest, native)
	var resp krakenResult[json.RawMessage]
	if err := getJSON(ctx, c.client, VenueKraken, url, &resp); err != nil {
		return nil, err
	}
	raw, err := resp.first(url)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errs.Protocolf("kraken trades body: %v", err)
	}
	out := make([]models.Trade, 0, len(rows))
	for _, row := range rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(row) < 4 {
			continue
		}
		var priceS, qtyS, sideS string
		var secs float64
		if json.Unmarshal(row[0], &priceS) != nil ||
			json.Unmarshal(row[1], &qtyS) != nil ||
			json.Unmarshal(row[2], &secs) != nil ||
			json.Unmarshal(row[3], &sideS) != nil {
			continue
		}
		price, _ := strconv.ParseFloat(priceS, 64)
		qty, _ := strconv.ParseFloat(qtyS, 64)
		out = append(out, models.Trade{
			Symbol:       symbol,
			Venue:        VenueKraken,
			Timestamp:    time.Unix(0, int64(secs*float64(time.Second))).UTC(),
			TradeID:      fmt.Sprintf("%s-%.6f", native, secs),
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: sideS == "s",
		})
	}
	return out, nil
}

// GetHistoricalCandles fetches OHLC rows.
func (c *Kraken) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	interval, ok := krakenIntervals[tf]
	if !ok {
		return nil, errs.Configurationf("timeframe %s not supported by kraken ohlc", tf)
	}
	native := c.nativeFor(symbol)
	url := fmt.Sprintf("%s/0/public/OHLC?pair=%s&interval=%d", c.rest, native, interval)
	var resp krakenResult[json.RawMessage]
	if err := getJSON(ctx, c.client, VenueKraken, url, &resp); err != nil {
		return nil, err
	}
	raw, err := resp.first(url)
	if err != nil {
		return nil, err
	}
	var rows [][]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errs.Protocolf("kraken ohlc body: %v", err)
	}
	out := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(row) < 8 {
			continue
		}
		out = append(out, models.Candle{
			BucketStart: time.Unix(int64(asFloat(row[0])), 0).UTC(),
			Symbol:      symbol,
			Timeframe:   tf,
			Open:        asFloat(row[1]),
			High:        asFloat(row[2]),
			Low:         asFloat(row[3]),
			Close:       asFloat(row[4]),
			Volume:      asFloat(row[6]),
			TradeCount:  int64(asFloat(row[7])),
			Venue:       VenueKraken,
		})
	}
	return out, nil
}

// GetAllSymbols lists tradable pairs.
func (c *Kraken) GetAllSymbols(ctx context.Context) ([]string, error) {
	url := c.rest + "/0/public/AssetPairs"
	var resp krakenResult[struct {
		WSName string `json:"wsname"`
	}]
	if err := getJSON(ctx, c.client, VenueKraken, url, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, &errs.UpstreamAPIError{
			Venue:    VenueKraken,
			Endpoint: url,
			Status:   200,
			Body:     resp.Error[0],
		}
	}
	out := make([]string, 0, len(resp.Result))
	for _, pair := range resp.Result {
		if pair.WSName != "" {
			out = append(out, pair.WSName)
		}
	}
	return out, nil
}

var _ Connector = (*Kraken)(nil)
