package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/persistence"
)

type candlesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandlesRepo creates the Postgres candle store.
func NewCandlesRepo(db *sqlx.DB, timeout time.Duration) persistence.CandlesRepo {
	return &candlesRepo{db: db, timeout: timeout}
}

func (r *candlesRepo) UpsertCandle(ctx context.Context, c domain.Candle) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO candles (symbol, timeframe, bucket_start, open, high,
			low, close, volume, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol, timeframe, bucket_start)
		DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high,
			low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume, state = EXCLUDED.state`

	_, err := r.db.ExecContext(ctx, query,
		c.Symbol, c.Timeframe, c.BucketStart, c.Open, c.High, c.Low,
		c.Close, c.Volume, c.State)
	if err != nil {
		return fmt.Errorf("upsert candle %s %s: %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

// RecentCandles pages newest-first and flips the window so callers always
// get chronological order.
func (r *candlesRepo) RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, timeframe, bucket_start, open, high, low, close,
			volume, state
		FROM (
			SELECT symbol, timeframe, bucket_start, open, high, low, close,
				volume, state
			FROM candles
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY bucket_start DESC
			LIMIT $3
		) w
		ORDER BY bucket_start ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tf, n)
	if err != nil {
		return nil, fmt.Errorf("recent candles %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.StructScan(&c); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
