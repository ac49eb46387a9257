package main

import (
	"context"
	"log"
	"os/signal"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/aggregator"
	"github.com/pulsefeed/pulsefeed/internal/bus"
	"github.com/pulsefeed/pulsefeed/internal/candles"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/connector"
	"github.com/pulsefeed/pulsefeed/internal/gateway"
	"github.com/pulsefeed/pulsefeed/internal/ingest"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/orderbook"
	"github.com/pulsefeed/pulsefeed/internal/server"
	"github.com/pulsefeed/pulsefeed/internal/storage"
	"github.com/pulsefeed/pulsefeed/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger := logger.New(cfg.Log.Level)
	defer zapLogger.Sync()

	m := metrics.New()

	store, err := storage.New(cfg.Database.DSN, zapLogger)
	if err != nil {
		zapLogger.Fatal("connect to database", zap.Error(err))
	}

	eventBus := buildBus(cfg.Bus, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectors, err := buildConnectors(ctx, cfg, zapLogger, m)
	if err != nil {
		zapLogger.Fatal("start connectors", zap.Error(err))
	}

	ing := ingest.New(store, eventBus, connectors, ingest.Config{
		BufferSize:    cfg.Ingest.BufferSize,
		FlushInterval: cfg.Ingest.FlushInterval,
	}, zapLogger, m)
	if err := ing.Start(); err != nil {
		zapLogger.Fatal("start ingest", zap.Error(err))
	}

	builder := candles.New(store, eventBus, historyFor(connectors, cfg.Gateway.DefaultVenue), candles.Config{
		BufferSize:    cfg.Ingest.BufferSize,
		FlushInterval: cfg.Ingest.FlushInterval,
	}, zapLogger, m)
	if err := builder.Start(ing); err != nil {
		zapLogger.Fatal("start candle builder", zap.Error(err))
	}

	agg := aggregator.New(store, eventBus, aggregator.Config{
		Interval:         cfg.Aggregator.Interval,
		MaxAge:           cfg.Aggregator.MaxAge,
		ArbWindow:        cfg.Aggregator.ArbWindow,
		MinSpreadPercent: cfg.Aggregator.MinSpreadPercent,
	}, zapLogger, m)
	agg.Start(ing)

	books := orderbook.New(store, connectors, orderbook.Config{}, zapLogger)

	gw := gateway.New(ing, books, eventBus, gateway.Config{
		PollInterval: cfg.Gateway.PollInterval,
		DefaultVenue: cfg.Gateway.DefaultVenue,
		SendBuffer:   cfg.Gateway.SendBuffer,
	}, zapLogger, m)

	srv := server.New(cfg.Server, ing, builder, agg, books, gw, connectors, zapLogger, m)
	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown", zap.Error(err))
	}
	gw.Close()
	agg.Stop()
	if err := builder.Stop(); err != nil {
		zapLogger.Error("candle builder stop", zap.Error(err))
	}
	if err := ing.Stop(); err != nil {
		zapLogger.Error("ingest stop", zap.Error(err))
	}
	for _, conn := range connectors {
		if err := conn.Close(); err != nil {
			zapLogger.Error("connector close", zap.String("venue", conn.Venue()), zap.Error(err))
		}
	}
	zapLogger.Info("shutdown complete")
}

func buildBus(cfg config.BusConfig, zapLogger *zap.Logger) bus.Bus {
	switch cfg.Backend {
	case "redis":
		return bus.NewRedisBus(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, zapLogger)
	case "kafka":
		return bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, zapLogger)
	default:
		return bus.NewMemoryBus(zapLogger)
	}
}

// buildConnectors creates, connects and subscribes every enabled venue.
// Symbols are subscribed in one batch so each venue dials exactly once.
func buildConnectors(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger, m *metrics.Metrics) ([]connector.Connector, error) {
	names := make([]string, 0, len(cfg.Venues))
	for name, venue := range cfg.Venues {
		if venue.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	conns := make([]connector.Connector, 0, len(names))
	for _, name := range names {
		venue := cfg.Venues[name]
		conn, err := connector.New(name, connector.VenueConfig{
			WSURL:   venue.WSURL,
			RESTURL: venue.RESTURL,
			Symbols: venue.Symbols,
			Policy: connector.ReconnectPolicy{
				BaseDelay:   venue.ReconnectDelay,
				MaxAttempts: venue.MaxReconnects,
			},
			HTTPTimeout: venue.HTTPTimeout,
		}, zapLogger, m)
		if err != nil {
			return nil, err
		}
		symbols := make([]string, 0, len(venue.Symbols))
		for canonical := range venue.Symbols {
			symbols = append(symbols, canonical)
		}
		sort.Strings(symbols)
		if err := conn.SubscribeBatch(ctx, symbols); err != nil {
			return nil, err
		}
		if len(symbols) > 0 {
			if err := conn.Connect(ctx); err != nil {
				zapLogger.Warn("initial connect failed",
					zap.String("venue", name), zap.Error(err))
			}
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// historyFor picks the REST history source for candle backfill.
func historyFor(conns []connector.Connector, venue string) connector.Connector {
	for _, conn := range conns {
		if conn.Venue() == venue {
			return conn
		}
	}
	if len(conns) > 0 {
		return conns[0]
	}
	return nil
}
