package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// captureSink records emitted events for frame-parsing tests.
type captureSink struct {
	ticks   []models.Tick
	trades  []models.Trade
	aliases map[string]string
}

func (s *captureSink) emitTick(t models.Tick)   { s.ticks = append(s.ticks, t) }
func (s *captureSink) emitTrade(t models.Trade) { s.trades = append(s.trades, t) }

func (s *captureSink) canonical(native string) string {
	if c, ok := s.aliases[native]; ok {
		return c
	}
	return native
}

func TestBinanceCombinedStreamTicker(t *testing.T) {
	c := NewBinance(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{}

	frame := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1756555200000,` +
		`"s":"BTCUSDT","c":"50000.5","v":"1234.5","b":"49999.0","B":"2.5","a":"50001.0","A":"1.5"}}`)
	require.NoError(t, c.handleFrame(frame, sink))

	require.Len(t, sink.ticks, 1)
	tick := sink.ticks[0]
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, VenueBinance, tick.Venue)
	assert.Equal(t, 50000.5, tick.Price)
	assert.Equal(t, 49999.0, tick.Bid)
	assert.Equal(t, 50001.0, tick.Ask)
	assert.Equal(t, time.UnixMilli(1756555200000).UTC(), tick.Timestamp)
}

func TestBinanceTradeFrame(t *testing.T) {
	c := NewBinance(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{}

	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT",` +
		`"t":42,"p":"50000.1","q":"0.25","T":1756555200123,"m":true}}`)
	require.NoError(t, c.handleFrame(frame, sink))

	require.Len(t, sink.trades, 1)
	trade := sink.trades[0]
	assert.Equal(t, "42", trade.TradeID)
	assert.Equal(t, 50000.1, trade.Price)
	assert.Equal(t, 0.25, trade.Quantity)
	assert.True(t, trade.IsBuyerMaker)
}

func TestBinanceControlFramesIgnored(t *testing.T) {
	c := NewBinance(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{}

	require.NoError(t, c.handleFrame([]byte(`{"result":null,"id":1}`), sink))
	assert.Empty(t, sink.ticks)
	assert.Empty(t, sink.trades)

	assert.Error(t, c.handleFrame([]byte(`not json`), sink))
	assert.Error(t, c.handleFrame(
		[]byte(`{"data":{"e":"24hrTicker","c":"garbage"}}`), sink),
		"unparseable price is a protocol error")
}

func TestCoinbaseTickerFrame(t *testing.T) {
	c := NewCoinbase(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{aliases: map[string]string{"BTC-USD": "BTCUSDT"}}

	frame := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"50100.25",` +
		`"best_bid":"50100.0","best_bid_size":"0.8","best_ask":"50100.5","best_ask_size":"1.2",` +
		`"volume_24h":"8000.1","time":"2026-08-30T12:00:00.000000Z"}`)
	require.NoError(t, c.handleFrame(frame, sink))

	require.Len(t, sink.ticks, 1)
	tick := sink.ticks[0]
	assert.Equal(t, "BTCUSDT", tick.Symbol, "product id maps to canonical symbol")
	assert.Equal(t, VenueCoinbase, tick.Venue)
	assert.Equal(t, 50100.25, tick.Price)
	assert.Equal(t, 8000.1, tick.Volume)
}

func TestCoinbaseMatchFrame(t *testing.T) {
	c := NewCoinbase(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{}

	frame := []byte(`{"type":"match","product_id":"BTC-USD","trade_id":777,` +
		`"price":"50099.0","size":"0.5","side":"buy","time":"2026-08-30T12:00:01Z"}`)
	require.NoError(t, c.handleFrame(frame, sink))

	require.Len(t, sink.trades, 1)
	trade := sink.trades[0]
	assert.Equal(t, "777", trade.TradeID)
	assert.Equal(t, 0.5, trade.Quantity)
	assert.True(t, trade.IsBuyerMaker, "buy-side maker")
}

func TestCoinbaseHeartbeatAndError(t *testing.T) {
	c := NewCoinbase(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{}

	require.NoError(t, c.handleFrame([]byte(`{"type":"heartbeat","product_id":"BTC-USD"}`), sink))
	assert.Empty(t, sink.ticks)

	err := c.handleFrame([]byte(`{"type":"error","message":"rate limited"}`), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestKrakenTickerFrame(t *testing.T) {
	c := NewKraken(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{aliases: map[string]string{"XBT/USD": "BTCUSDT"}}

	frame := []byte(`[340,{"a":["50010.0",1,"1.0"],"b":["50000.0",2,"2.5"],` +
		`"c":["50005.0","0.01"],"v":["5.0","120.5"]},"ticker","XBT/USD"]`)
	require.NoError(t, c.handleFrame(frame, sink))

	require.Len(t, sink.ticks, 1)
	tick := sink.ticks[0]
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 50005.0, tick.Price)
	assert.Equal(t, 50000.0, tick.Bid)
	assert.Equal(t, 50010.0, tick.Ask)
	assert.Equal(t, 120.5, tick.Volume, "24h volume is the second element")
}

func TestKrakenTradeFrame(t *testing.T) {
	c := NewKraken(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{aliases: map[string]string{"XBT/USD": "BTCUSDT"}}

	frame := []byte(`[337,[["50000.1","0.05","1756555200.123456","s","l",""]],"trade","XBT/USD"]`)
	require.NoError(t, c.handleFrame(frame, sink))

	require.Len(t, sink.trades, 1)
	trade := sink.trades[0]
	assert.Equal(t, "BTCUSDT", trade.Symbol)
	assert.Equal(t, 50000.1, trade.Price)
	assert.Equal(t, 0.05, trade.Quantity)
	assert.True(t, trade.IsBuyerMaker, "selling taker means the resting buyer made the order")
	assert.NotEmpty(t, trade.TradeID)
}

func TestKrakenEventFrames(t *testing.T) {
	c := NewKraken(VenueConfig{}, zap.NewNop(), nil)
	sink := &captureSink{}

	require.NoError(t, c.handleFrame([]byte(`{"event":"heartbeat"}`), sink))
	require.NoError(t, c.handleFrame(
		[]byte(`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`), sink))

	err := c.handleFrame(
		[]byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Subscription depth not supported"}`), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}
