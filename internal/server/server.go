package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/aggregator"
	"github.com/pulsefeed/pulsefeed/internal/candles"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/connector"
	"github.com/pulsefeed/pulsefeed/internal/gateway"
	"github.com/pulsefeed/pulsefeed/internal/ingest"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/orderbook"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Server exposes the read-only HTTP API and the WebSocket gateway.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	ingest     *ingest.Service
	candles    *candles.Builder
	aggregator *aggregator.Aggregator
	books      *orderbook.Service
	gateway    *gateway.Gateway
	connectors []connector.Connector
	m          *metrics.Metrics

	http *http.Server
}

func New(
	cfg config.ServerConfig,
	ing *ingest.Service,
	cb *candles.Builder,
	agg *aggregator.Aggregator,
	books *orderbook.Service,
	gw *gateway.Gateway,
	conns []connector.Connector,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		ingest:     ing,
		candles:    cb,
		aggregator: agg,
		books:      books,
		gateway:    gw,
		connectors: conns,
		m:          m,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.m.Registry, promhttp.HandlerOpts{})))
	r.GET("/ws", gin.WrapF(s.gateway.ServeWS))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/tickers", s.handleTickers)
		v1.GET("/quote/:symbol", s.handleQuote)
		v1.GET("/trades/:symbol", s.handleTrades)
		v1.GET("/candles/:symbol", s.handleCandles)
		v1.GET("/orderbook/:symbol", s.handleOrderBook)
		v1.GET("/orderbook/:symbol/history", s.handleOrderBookHistory)
		v1.GET("/aggregates", s.handleAggregates)
		v1.GET("/arbitrage", s.handleArbitrage)
	}
	return r
}

// Start runs the HTTP listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	venues := make(map[string]string, len(s.connectors))
	degraded := false
	for _, conn := range s.connectors {
		st := conn.State()
		venues[conn.Venue()] = st.String()
		if st != connector.StateConnected {
			degraded = true
		}
	}
	status := "ok"
	code := http.StatusOK
	if degraded {
		status = "degraded"
	}
	if len(venues) == 0 {
		status = "down"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"venues":  venues,
		"clients": s.gateway.ClientCount(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleTickers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.ingest.GetAvailableTickers()})
}

func (s *Server) handleQuote(c *gin.Context) {
	symbol := canonicalSymbol(c.Param("symbol"))
	quote, ok := s.ingest.GetQuote(symbol)
	if !ok {
		abortError(c, errs.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) handleTrades(c *gin.Context) {
	symbol := canonicalSymbol(c.Param("symbol"))
	venue := c.DefaultQuery("venue", "")
	limit := parseLimit(c.Query("limit"))

	trades, err := s.ingest.GetHistoricalTrades(c.Request.Context(), symbol, venue, limit)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "trades": trades})
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol := canonicalSymbol(c.Param("symbol"))
	tf, err := models.ParseTimeframe(c.DefaultQuery("timeframe", "1m"))
	if err != nil {
		abortError(c, errs.Configurationf("%v", err))
		return
	}
	limit := parseLimit(c.Query("limit"))

	rows, err := s.candles.GetCandles(c.Request.Context(), symbol, tf, limit)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "timeframe": tf, "candles": rows})
}

func (s *Server) handleOrderBook(c *gin.Context) {
	symbol := canonicalSymbol(c.Param("symbol"))
	venue := c.DefaultQuery("venue", s.defaultVenue())

	snap, err := s.books.GetOrderBook(c.Request.Context(), symbol, venue)
	if err != nil {
		abortError(c, err)
		return
	}
	signal := s.books.Analyze(snap)
	if err := s.books.SaveSnapshot(c.Request.Context(), snap); err != nil {
		s.logger.Warn("snapshot save failed",
			zap.String("symbol", symbol), zap.String("venue", venue), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"orderbook": snap, "signal": signal})
}

func (s *Server) handleOrderBookHistory(c *gin.Context) {
	symbol := canonicalSymbol(c.Param("symbol"))
	venue := c.DefaultQuery("venue", s.defaultVenue())
	lookback, err := time.ParseDuration(c.DefaultQuery("lookback", "1h"))
	if err != nil {
		abortError(c, errs.Configurationf("invalid lookback: %v", err))
		return
	}
	includeLevels := c.Query("levels") == "true"

	snaps, err := s.books.GetHistoricalSnapshots(c.Request.Context(), symbol, venue, lookback, includeLevels)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "venue": venue, "snapshots": snaps})
}

func (s *Server) handleAggregates(c *gin.Context) {
	var symbols []string
	if raw := c.Query("symbols"); raw != "" {
		for _, sym := range strings.Split(raw, ",") {
			symbols = append(symbols, canonicalSymbol(sym))
		}
	}
	limit := parseLimit(c.Query("limit"))

	rows, err := s.aggregator.GetAggregatedPrices(c.Request.Context(), symbols, limit)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregates": rows})
}

func (s *Server) handleArbitrage(c *gin.Context) {
	minSpread := 0.0
	if raw := c.Query("min_spread"); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			abortError(c, errs.Configurationf("invalid min_spread: %v", err))
			return
		}
		minSpread = val
	}
	limit := parseLimit(c.Query("limit"))

	rows, err := s.aggregator.GetArbitrageOpportunities(c.Request.Context(), minSpread, limit)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opportunities": rows})
}

func (s *Server) defaultVenue() string {
	if len(s.connectors) > 0 {
		return s.connectors[0].Venue()
	}
	return ""
}

// abortError maps the error taxonomy onto HTTP status codes.
func abortError(c *gin.Context, err error) {
	var upstream *errs.UpstreamAPIError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, errs.ErrConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
	case errors.As(err, &upstream), errors.Is(err, errs.ErrUpstreamAPI), errors.Is(err, errs.ErrConnection):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}

func canonicalSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
