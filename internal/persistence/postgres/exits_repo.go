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

type exitsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExitsRepo creates the Postgres exit intents repository.
func NewExitsRepo(db *sqlx.DB, timeout time.Duration) persistence.ExitsRepo {
	return &exitsRepo{db: db, timeout: timeout}
}

const exitIntentColumns = `exit_intent_id, trade_id, user_broker_id,
	exit_reason, episode_id, triggered_at, status`

// InsertExitIntent relies on UNIQUE(trade_id, exit_reason, episode_id); a
// duplicate trigger within the same episode is a no-op, not an error.
func (r *exitsRepo) InsertExitIntent(ctx context.Context, ei *domain.ExitIntent) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO exit_intents (exit_intent_id, trade_id, user_broker_id,
			exit_reason, episode_id, triggered_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id, exit_reason, episode_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		ei.ExitIntentID, ei.TradeID, ei.UserBrokerID, ei.ExitReason,
		ei.EpisodeID, ei.TriggeredAt, ei.Status)
	if err != nil {
		return false, fmt.Errorf("insert exit intent for trade %d: %w", ei.TradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert exit intent for trade %d: %w", ei.TradeID, err)
	}
	return n == 1, nil
}

func (r *exitsRepo) UpdateExitStatus(ctx context.Context, exitIntentID string, status domain.ExitIntentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE exit_intents SET status = $2 WHERE exit_intent_id = $1`,
		exitIntentID, status)
	if err != nil {
		return fmt.Errorf("update exit intent %s: %w", exitIntentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update exit intent %s: %w", exitIntentID, err)
	}
	if n == 0 {
		return fmt.Errorf("exit intent %s: %w", exitIntentID, domain.ErrNotFound)
	}
	return nil
}

func (r *exitsRepo) OpenExitIntent(ctx context.Context, tradeID int64) (*domain.ExitIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + exitIntentColumns + `
		FROM exit_intents
		WHERE trade_id = $1 AND status NOT IN ('FILLED', 'FAILED')
		ORDER BY triggered_at DESC
		LIMIT 1`

	var ei domain.ExitIntent
	err := r.db.QueryRowxContext(ctx, query, tradeID).StructScan(&ei)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open exit intent for trade %d: %w", tradeID, err)
	}
	return &ei, nil
}

func (r *exitsRepo) ListPlaced(ctx context.Context) ([]domain.ExitIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + exitIntentColumns + `
		FROM exit_intents
		WHERE status = 'PLACED'
		ORDER BY triggered_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list placed exit intents: %w", err)
	}
	defer rows.Close()

	var out []domain.ExitIntent
	for rows.Next() {
		var ei domain.ExitIntent
		if err := rows.StructScan(&ei); err != nil {
			return nil, fmt.Errorf("scan exit intent: %w", err)
		}
		out = append(out, ei)
	}
	return out, rows.Err()
}

func (r *exitsRepo) ListApproved(ctx context.Context) ([]domain.ExitIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + exitIntentColumns + `
		FROM exit_intents
		WHERE status IN ('PENDING', 'APPROVED')
		ORDER BY triggered_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list approved exit intents: %w", err)
	}
	defer rows.Close()

	var out []domain.ExitIntent
	for rows.Next() {
		var ei domain.ExitIntent
		if err := rows.StructScan(&ei); err != nil {
			return nil, fmt.Errorf("scan exit intent: %w", err)
		}
		out = append(out, ei)
	}
	return out, rows.Err()
}

func (r *exitsRepo) LastEpisodeAt(ctx context.Context, tradeID int64, reason domain.ExitReason) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var last sql.NullTime
	err := r.db.QueryRowxContext(ctx, `
		SELECT MAX(triggered_at)
		FROM exit_intents
		WHERE trade_id = $1 AND exit_reason = $2`,
		tradeID, reason).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last %s episode for trade %d: %w", reason, tradeID, err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}
