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

type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates the Postgres trade state store.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

const tradeColumns = `trade_id, intent_id, client_order_id, broker_order_id,
	user_broker_id, symbol, entry_qty, entry_price, exit_price, status,
	trade_type, exit_target_price, exit_stop_price, trailing_highest_price,
	trailing_stop_price, exit_trigger, realized_pnl, reject_reason,
	entry_at, created_at, updated_at, last_broker_update_at, version`

// Create inserts a CREATED row. The UNIQUE(intent_id) constraint makes a
// replay return the stored trade instead of a second row.
func (r *tradesRepo) Create(ctx context.Context, t *domain.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (intent_id, client_order_id, user_broker_id,
			symbol, entry_qty, entry_price, status, trade_type,
			exit_target_price, exit_stop_price, created_at, updated_at,
			last_broker_update_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $11)
		RETURNING trade_id, version`

	err := r.db.QueryRowxContext(ctx, query,
		t.IntentID, t.ClientOrderID, t.UserBrokerID, t.Symbol,
		t.EntryQty, t.EntryPrice, domain.TradeCreated, t.TradeType,
		t.ExitTargetPrice, t.ExitStopPrice, t.CreatedAt).
		Scan(&t.TradeID, &t.Version)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			existing, lookupErr := r.byIntentID(ctx, t.IntentID)
			if lookupErr != nil {
				return lookupErr
			}
			*t = *existing
			return nil
		}
		return fmt.Errorf("create trade for intent %s: %w", t.IntentID, err)
	}
	t.Status = domain.TradeCreated
	t.UpdatedAt = t.CreatedAt
	t.LastBrokerUpdateAt = t.CreatedAt
	return nil
}

func (r *tradesRepo) MarkPending(ctx context.Context, tradeID int64, brokerOrderID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'PENDING', broker_order_id = $2, updated_at = $3,
			last_broker_update_at = $3, version = version + 1
		WHERE trade_id = $1 AND status = 'CREATED'`,
		tradeID, brokerOrderID, at)
	if err != nil {
		return fmt.Errorf("mark trade %d pending: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradePending)
}

func (r *tradesRepo) MarkRejected(ctx context.Context, tradeID int64, from domain.TradeStatus, reason string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !domain.CanTransition(from, domain.TradeRejected) {
		return &domain.StateMachineError{TradeID: tradeID, From: from, To: domain.TradeRejected}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'REJECTED', reject_reason = $3, updated_at = $4,
			last_broker_update_at = $4, version = version + 1
		WHERE trade_id = $1 AND status = $2`,
		tradeID, from, reason, at)
	if err != nil {
		return fmt.Errorf("mark trade %d rejected: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradeRejected)
}

func (r *tradesRepo) MarkFilled(ctx context.Context, tradeID int64, qty int64, avgPrice float64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'FILLED', entry_qty = $2, entry_price = $3,
			entry_at = $4, updated_at = $4, last_broker_update_at = $4,
			version = version + 1
		WHERE trade_id = $1 AND status = 'PENDING'`,
		tradeID, qty, avgPrice, at)
	if err != nil {
		return fmt.Errorf("mark trade %d filled: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradeFilled)
}

func (r *tradesRepo) MarkOpen(ctx context.Context, tradeID int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'OPEN', updated_at = $2, version = version + 1
		WHERE trade_id = $1 AND status = 'FILLED'`,
		tradeID, at)
	if err != nil {
		return fmt.Errorf("mark trade %d open: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradeOpen)
}

func (r *tradesRepo) MarkCancelled(ctx context.Context, tradeID int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'CANCELLED', updated_at = $2, last_broker_update_at = $2,
			version = version + 1
		WHERE trade_id = $1 AND status = 'PENDING'`,
		tradeID, at)
	if err != nil {
		return fmt.Errorf("mark trade %d cancelled: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradeCancelled)
}

func (r *tradesRepo) MarkTimeout(ctx context.Context, tradeID int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'TIMEOUT', updated_at = $2, version = version + 1
		WHERE trade_id = $1 AND status = 'PENDING'`,
		tradeID, at)
	if err != nil {
		return fmt.Errorf("mark trade %d timed out: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradeTimeout)
}

func (r *tradesRepo) Close(ctx context.Context, tradeID int64, exitPrice float64, trigger string, pnl float64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'CLOSED', exit_price = $2, exit_trigger = $3,
			realized_pnl = $4, updated_at = $5, last_broker_update_at = $5,
			version = version + 1
		WHERE trade_id = $1 AND status = 'OPEN'`,
		tradeID, exitPrice, trigger, pnl, at)
	if err != nil {
		return fmt.Errorf("close trade %d: %w", tradeID, err)
	}
	return r.guard(ctx, res, tradeID, domain.TradeClosed)
}

// UpdateTrailing only applies while the trade is still OPEN. Losing the
// race against Close drops the update, which is correct: the stop no
// longer exists.
func (r *tradesRepo) UpdateTrailing(ctx context.Context, tradeID int64, highest, stop float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET trailing_highest_price = $2, trailing_stop_price = $3,
			updated_at = now(), version = version + 1
		WHERE trade_id = $1 AND status = 'OPEN'`,
		tradeID, highest, stop)
	if err != nil {
		return fmt.Errorf("update trailing for trade %d: %w", tradeID, err)
	}
	return nil
}

func (r *tradesRepo) TouchBrokerUpdate(ctx context.Context, tradeID int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE trades
		SET last_broker_update_at = $2, version = version + 1
		WHERE trade_id = $1`,
		tradeID, at)
	if err != nil {
		return fmt.Errorf("touch trade %d: %w", tradeID, err)
	}
	return nil
}

func (r *tradesRepo) TradeByID(ctx context.Context, tradeID int64) (*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var t domain.Trade
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1`, tradeID).
		StructScan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", tradeID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch trade %d: %w", tradeID, err)
	}
	return &t, nil
}

func (r *tradesRepo) ByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var t domain.Trade
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE client_order_id = $1`, clientOrderID).
		StructScan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade for order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch trade for order %s: %w", clientOrderID, err)
	}
	return &t, nil
}

func (r *tradesRepo) ListPending(ctx context.Context) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'PENDING'
		ORDER BY last_broker_update_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending trades: %w", err)
	}
	return scanTrades(rows)
}

func (r *tradesRepo) OpenTrades(ctx context.Context) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'OPEN'
		ORDER BY trade_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}
	return scanTrades(rows)
}

func (r *tradesRepo) OpenBySymbol(ctx context.Context, userBrokerID int64, symbol string) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'OPEN' AND user_broker_id = $1 AND symbol = $2
		ORDER BY entry_at ASC`,
		userBrokerID, symbol)
	if err != nil {
		return nil, fmt.Errorf("list open trades for %s: %w", symbol, err)
	}
	return scanTrades(rows)
}

func (r *tradesRepo) CurrentExposure(ctx context.Context, userBrokerID int64) (float64, error) {
	return r.sum(ctx, `
		SELECT COALESCE(SUM(entry_price * entry_qty), 0)
		FROM trades
		WHERE user_broker_id = $1
		  AND status IN ('PENDING', 'FILLED', 'OPEN')`,
		userBrokerID)
}

func (r *tradesRepo) StopRisk(ctx context.Context, userBrokerID int64) (float64, error) {
	return r.sum(ctx, `
		SELECT COALESCE(SUM((entry_price - exit_stop_price) * entry_qty), 0)
		FROM trades
		WHERE user_broker_id = $1
		  AND status IN ('PENDING', 'FILLED', 'OPEN')`,
		userBrokerID)
}

func (r *tradesRepo) SymbolStopRisk(ctx context.Context, userBrokerID int64, symbol string) (float64, error) {
	return r.sum(ctx, `
		SELECT COALESCE(SUM((entry_price - exit_stop_price) * entry_qty), 0)
		FROM trades
		WHERE user_broker_id = $1 AND symbol = $2
		  AND status IN ('PENDING', 'FILLED', 'OPEN')`,
		userBrokerID, symbol)
}

func (r *tradesRepo) RealizedPnlSince(ctx context.Context, userBrokerID int64, since time.Time) (float64, error) {
	return r.sum(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE user_broker_id = $1 AND status = 'CLOSED' AND updated_at >= $2`,
		userBrokerID, since)
}

func (r *tradesRepo) LastTradeAt(ctx context.Context, userBrokerID int64, symbol string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var last sql.NullTime
	err := r.db.QueryRowxContext(ctx, `
		SELECT MAX(created_at)
		FROM trades
		WHERE user_broker_id = $1 AND symbol = $2`,
		userBrokerID, symbol).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last trade for %s: %w", symbol, err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

func (r *tradesRepo) sum(ctx context.Context, query string, args ...interface{}) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var v float64
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("trade aggregate: %w", err)
	}
	return v, nil
}

// guard resolves a transition that matched no row. The trade either does
// not exist or sits in a state the caller did not expect; the caller gets
// the stored state back inside a StateMachineError.
func (r *tradesRepo) guard(ctx context.Context, res sql.Result, tradeID int64, to domain.TradeStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition trade %d: %w", tradeID, err)
	}
	if n == 1 {
		return nil
	}

	var current domain.TradeStatus
	err = r.db.QueryRowxContext(ctx,
		`SELECT status FROM trades WHERE trade_id = $1`, tradeID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trade %d: %w", tradeID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("transition trade %d: %w", tradeID, err)
	}
	return &domain.StateMachineError{TradeID: tradeID, From: current, To: to}
}

func (r *tradesRepo) byIntentID(ctx context.Context, intentID string) (*domain.Trade, error) {
	var t domain.Trade
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE intent_id = $1`, intentID).
		StructScan(&t)
	if err != nil {
		return nil, fmt.Errorf("fetch trade for intent %s: %w", intentID, err)
	}
	return &t, nil
}

func scanTrades(rows *sqlx.Rows) ([]domain.Trade, error) {
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.StructScan(&t); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
