// Package storage persists market data through an append-only store.
package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

// Store is the persistence contract used by the buffering and read paths.
// Insert is append-only and batched; reads are typed per consumer.
type Store interface {
	Insert(ctx context.Context, table string, rows any) error

	RecentTrades(ctx context.Context, symbol, venue string, limit int) ([]models.Trade, error)
	RecentCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error)
	RecentAggregates(ctx context.Context, symbols []string, limit int) ([]models.AggregatedPrice, error)
	AggregatesSince(ctx context.Context, since time.Time, limit int) ([]models.AggregatedPrice, error)
	SnapshotsSince(ctx context.Context, symbol, venue string, since time.Time) ([]models.OrderBookSnapshot, error)
}

// GormStore implements Store over gorm/postgres.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New opens the database and migrates the persisted tables.
func New(dsn string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errs.Configurationf("open database: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Tick{},
		&models.Trade{},
		&models.Candle{},
		&models.OrderBookSnapshot{},
		&models.AggregatedPrice{},
	); err != nil {
		return nil, errs.Configurationf("migrate: %v", err)
	}
	return &GormStore{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing gorm handle; used by tests with sqlite.
func NewWithDB(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// Insert appends rows to the named table. rows must be a slice of one of
// the persisted model types. Conflicting rows are skipped, so a requeued
// batch that was partially persisted replays cleanly.
func (s *GormStore) Insert(ctx context.Context, table string, rows any) error {
	err := s.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rows).Error
	if err != nil {
		return errs.Persistencef("insert into %s: %v", table, err)
	}
	return nil
}

func (s *GormStore) RecentTrades(ctx context.Context, symbol, venue string, limit int) ([]models.Trade, error) {
	var out []models.Trade
	q := s.db.WithContext(ctx).Table(models.TableTrades).
		Where("symbol = ?", symbol).
		Order("timestamp DESC").
		Limit(limit)
	if venue != "" {
		q = q.Where("venue = ?", venue)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errs.Persistencef("recent trades: %v", err)
	}
	return out, nil
}

func (s *GormStore) RecentCandles(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	var out []models.Candle
	err := s.db.WithContext(ctx).Table(models.TableCandles).
		Where("symbol = ? AND timeframe = ?", symbol, tf).
		Order("bucket_start DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errs.Persistencef("recent candles: %v", err)
	}
	return out, nil
}

func (s *GormStore) RecentAggregates(ctx context.Context, symbols []string, limit int) ([]models.AggregatedPrice, error) {
	var out []models.AggregatedPrice
	q := s.db.WithContext(ctx).Table(models.TableAggregates).
		Order("timestamp DESC").
		Limit(limit)
	if len(symbols) > 0 {
		q = q.Where("symbol IN ?", symbols)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errs.Persistencef("recent aggregates: %v", err)
	}
	return out, nil
}

func (s *GormStore) AggregatesSince(ctx context.Context, since time.Time, limit int) ([]models.AggregatedPrice, error) {
	var out []models.AggregatedPrice
	err := s.db.WithContext(ctx).Table(models.TableAggregates).
		Where("timestamp >= ?", since).
		Order("max_spread_percent DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errs.Persistencef("aggregates since: %v", err)
	}
	return out, nil
}

func (s *GormStore) SnapshotsSince(ctx context.Context, symbol, venue string, since time.Time) ([]models.OrderBookSnapshot, error) {
	var out []models.OrderBookSnapshot
	err := s.db.WithContext(ctx).Table(models.TableSnapshots).
		Where("symbol = ? AND venue = ? AND timestamp >= ?", symbol, venue, since).
		Order("timestamp ASC").
		Find(&out).Error
	if err != nil {
		return nil, errs.Persistencef("snapshots since: %v", err)
	}
	return out, nil
}

var _ Store = (*GormStore)(nil)
