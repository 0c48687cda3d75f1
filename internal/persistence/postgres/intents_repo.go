package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/persistence"
)

type intentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewIntentsRepo creates the Postgres trade intents repository.
func NewIntentsRepo(db *sqlx.DB, timeout time.Duration) persistence.IntentsRepo {
	return &intentsRepo{db: db, timeout: timeout}
}

func (r *intentsRepo) Insert(ctx context.Context, in *domain.TradeIntent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trade_intents (intent_id, signal_id, user_broker_id,
			approved_qty, limit_price, product_type, status, reject_reason,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		in.IntentID, in.SignalID, in.UserBrokerID, in.ApprovedQty,
		in.LimitPrice, in.ProductType, in.Status, in.RejectReason,
		in.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("intent for signal %d on account %d: %w",
				in.SignalID, in.UserBrokerID, domain.ErrDuplicateKey)
		}
		return fmt.Errorf("insert intent %s: %w", in.IntentID, err)
	}
	return nil
}

func (r *intentsRepo) IntentByID(ctx context.Context, intentID string) (*domain.TradeIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT intent_id, signal_id, user_broker_id, approved_qty,
			limit_price, product_type, status, reject_reason, created_at
		FROM trade_intents
		WHERE intent_id = $1`

	var in domain.TradeIntent
	err := r.db.QueryRowxContext(ctx, query, intentID).StructScan(&in)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", intentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch intent %s: %w", intentID, err)
	}
	return &in, nil
}
