package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"
)

// PostgresStore is the production OHLCVStore, backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against cfg and verifies it
// with a ping before returning.
func NewPostgresStore(cfg types.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("open candle store connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping candle store: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Upsert writes candles idempotently on the (symbol, timeframe,
// bucket_start) unique constraint.
func (s *PostgresStore) Upsert(ctx context.Context, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candle upsert tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (
			symbol, timeframe, bucket_start, open, high, low, close, volume,
			trade_count, source_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, timeframe, bucket_start) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trade_count = EXCLUDED.trade_count,
			source_timestamp = EXCLUDED.source_timestamp
	`)
	if err != nil {
		return fmt.Errorf("prepare candle upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx,
			c.Symbol, string(c.Timeframe), c.BucketStart,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
			c.TradeCount, c.SourceTimestamp,
		)
		if err != nil {
			return fmt.Errorf("upsert candle %s/%s@%s: %w", c.Symbol, c.Timeframe, c.BucketStart, err)
		}
	}

	return tx.Commit()
}

// Query returns candles for symbol/timeframe within [from, to), oldest
// first, capped at limit when limit > 0.
func (s *PostgresStore) Query(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Candle, error) {
	query := `
		SELECT symbol, timeframe, bucket_start, open, high, low, close, volume,
			   trade_count, source_timestamp
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start ASC
	`
	args := []any{symbol, string(tf), from, to}
	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (types.Candle, error) {
	var (
		c                               types.Candle
		timeframe                       string
		open, high, low, close, volume string
	)
	err := row.Scan(&c.Symbol, &timeframe, &c.BucketStart, &open, &high, &low, &close, &volume,
		&c.TradeCount, &c.SourceTimestamp)
	if err != nil {
		return types.Candle{}, fmt.Errorf("scan candle row: %w", err)
	}
	c.Timeframe = types.Timeframe(timeframe)
	c.Open, _ = decimal.NewFromString(open)
	c.High, _ = decimal.NewFromString(high)
	c.Low, _ = decimal.NewFromString(low)
	c.Close, _ = decimal.NewFromString(close)
	c.Volume, _ = decimal.NewFromString(volume)
	return c, nil
}
