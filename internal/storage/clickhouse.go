package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/referral-distributor/internal/config"
	"github.com/referral-distributor/internal/types"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// PricePoint is one stored price of an asset
type PricePoint struct {
	Timestamp    time.Time `json:"ts" ch:"ts"`
	Version      uint64    `json:"version" ch:"version"`
	Asset        string    `json:"asset" ch:"asset"`
	NativePrice  float64   `json:"nativePrice" ch:"native_price"`
	DisplayPrice float64   `json:"displayPrice" ch:"display_price"`
	FiatRate     float64   `json:"fiatRate" ch:"fiat_rate"`
}

// PriceHistoryRepository stores every published price table
type PriceHistoryRepository struct {
	db *ClickHouseDB
}

// NewPriceHistoryRepository creates a new price history repository
func NewPriceHistoryRepository(db *ClickHouseDB) *PriceHistoryRepository {
	return &PriceHistoryRepository{db: db}
}

// RecordPrices appends one row per fiat entry of table
func (r *PriceHistoryRepository) RecordPrices(ctx context.Context, table *types.PriceTable) error {
	if table == nil || len(table.Fiat) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, "INSERT INTO price_history (ts, version, asset, native_price, display_price, fiat_rate)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for asset, p := range table.Fiat {
		if err := batch.Append(table.UpdatedAt, table.Version, asset, p.NativeUnitPrice, p.DisplayPrice, table.Rate); err != nil {
			return fmt.Errorf("failed to append price of %s: %w", asset, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send price batch: %w", err)
	}
	return nil
}

// History returns an asset's stored prices since a time, oldest first
func (r *PriceHistoryRepository) History(ctx context.Context, asset string, since time.Time, limit int) ([]PricePoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var points []PricePoint
	err := r.db.conn.Select(ctx, &points, `
		SELECT ts, version, asset, native_price, display_price, fiat_rate
		FROM price_history
		WHERE asset = ? AND ts >= ?
		ORDER BY ts ASC
		LIMIT ?
	`, asset, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	return points, nil
}
