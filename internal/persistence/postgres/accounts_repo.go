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

type accountsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAccountsRepo creates the Postgres accounts repository.
func NewAccountsRepo(db *sqlx.DB, timeout time.Duration) persistence.AccountsRepo {
	return &accountsRepo{db: db, timeout: timeout}
}

const userBrokerColumns = `user_broker_id, user_id, broker_code, role, env,
	risk_profile_id, credentials_ref, total_capital, available_cash,
	enabled, paused, watchlist`

// userBrokerRow adds the array column the domain struct keeps as a plain
// slice.
type userBrokerRow struct {
	domain.UserBroker
	WatchlistArr pq.StringArray `db:"watchlist"`
}

func (row userBrokerRow) account() domain.UserBroker {
	ub := row.UserBroker
	ub.Watchlist = []string(row.WatchlistArr)
	return ub
}

func (r *accountsRepo) UserBroker(ctx context.Context, userBrokerID int64) (domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row userBrokerRow
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+userBrokerColumns+` FROM user_brokers WHERE user_broker_id = $1`,
		userBrokerID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserBroker{}, fmt.Errorf("user broker %d: %w", userBrokerID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.UserBroker{}, fmt.Errorf("fetch user broker %d: %w", userBrokerID, err)
	}
	return row.account(), nil
}

func (r *accountsRepo) ListEnabledExec(ctx context.Context) ([]domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+userBrokerColumns+`
		FROM user_brokers
		WHERE role = 'EXEC' AND enabled
		ORDER BY user_broker_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list exec accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.UserBroker
	for rows.Next() {
		var row userBrokerRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan user broker: %w", err)
		}
		out = append(out, row.account())
	}
	return out, rows.Err()
}

func (r *accountsRepo) DataAccount(ctx context.Context) (domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row userBrokerRow
	err := r.db.QueryRowxContext(ctx, `
		SELECT `+userBrokerColumns+`
		FROM user_brokers
		WHERE role = 'DATA' AND enabled
		LIMIT 1`).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserBroker{}, fmt.Errorf("data account: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.UserBroker{}, fmt.Errorf("fetch data account: %w", err)
	}
	return row.account(), nil
}

// riskProfileRow carries the duration columns stored as seconds.
type riskProfileRow struct {
	domain.RiskProfile
	CooldownSeconds int64 `db:"cooldown_seconds"`
	MaxHoldSeconds  int64 `db:"max_hold_seconds"`
}

func (r *accountsRepo) RiskProfile(ctx context.Context, riskProfileID int64) (domain.RiskProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT risk_profile_id, name, min_confluence, min_p_win, min_kelly,
			max_kelly, max_symbol_capital_pct, max_portfolio_exposure_pct,
			max_portfolio_log_loss, max_symbol_log_loss,
			max_position_log_loss, max_pyramid_level, rebuy_spacing_atr,
			atr_stop_multiple, velocity_multiplier, min_trade_value,
			max_per_trade_value, cooldown_seconds, max_hold_seconds,
			max_daily_loss_pct, max_weekly_loss_pct
		FROM risk_profiles
		WHERE risk_profile_id = $1`

	var row riskProfileRow
	err := r.db.QueryRowxContext(ctx, query, riskProfileID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiskProfile{}, fmt.Errorf("risk profile %d: %w", riskProfileID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RiskProfile{}, fmt.Errorf("fetch risk profile %d: %w", riskProfileID, err)
	}

	p := row.RiskProfile
	p.CooldownDuration = time.Duration(row.CooldownSeconds) * time.Second
	p.MaxHoldDuration = time.Duration(row.MaxHoldSeconds) * time.Second
	return p, nil
}

func (r *accountsRepo) SetPaused(ctx context.Context, userBrokerID int64, paused bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE user_brokers SET paused = $2 WHERE user_broker_id = $1`,
		userBrokerID, paused)
	if err != nil {
		return fmt.Errorf("set paused for user broker %d: %w", userBrokerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set paused for user broker %d: %w", userBrokerID, err)
	}
	if n == 0 {
		return fmt.Errorf("user broker %d: %w", userBrokerID, domain.ErrNotFound)
	}
	return nil
}
