package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/persistence"
)

type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates the Postgres signals repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

const signalColumns = `signal_id, symbol, direction, generated_at, signal_day,
	confluence_type, composite_score, strength, effective_floor,
	effective_ceiling, entry_low, entry_high, ref_price, p_win, kelly,
	status, last_checked_at`

// InsertSignal upserts on the day-scoped dedup key. The xmax trick tells a
// fresh insert apart from a conflict-update without a second round trip.
func (r *signalsRepo) InsertSignal(ctx context.Context, s *domain.Signal) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO signals (symbol, direction, generated_at, confluence_type,
			composite_score, strength, effective_floor, effective_ceiling,
			entry_low, entry_high, ref_price, p_win, kelly, status,
			last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (symbol, confluence_type, signal_day, effective_floor, effective_ceiling)
		DO UPDATE SET last_checked_at = EXCLUDED.last_checked_at
		RETURNING signal_id, signal_day, (xmax = 0) AS inserted`

	var inserted bool
	err := r.db.QueryRowxContext(ctx, query,
		s.Symbol, s.Direction, s.GeneratedAt, s.ConfluenceType,
		s.CompositeScore, s.Strength, s.EffectiveFloor, s.EffectiveCeiling,
		s.EntryLow, s.EntryHigh, s.RefPrice, s.PWin, s.Kelly, s.Status,
		s.LastCheckedAt).
		Scan(&s.SignalID, &s.SignalDay, &inserted)
	if err != nil {
		return false, fmt.Errorf("insert signal %s: %w", s.Symbol, err)
	}
	return inserted, nil
}

func (r *signalsRepo) SignalByID(ctx context.Context, signalID int64) (*domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s domain.Signal
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE signal_id = $1`, signalID).
		StructScan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %d: %w", signalID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch signal %d: %w", signalID, err)
	}
	return &s, nil
}

func (r *signalsRepo) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE signals SET status = $1 WHERE status = $2 AND generated_at < $3`,
		domain.SignalExpired, domain.SignalPublished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire signals: %w", err)
	}
	return n, nil
}
