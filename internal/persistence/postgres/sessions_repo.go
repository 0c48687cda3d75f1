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

type sessionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSessionsRepo creates the Postgres broker sessions repository.
func NewSessionsRepo(db *sqlx.DB, timeout time.Duration) persistence.SessionsRepo {
	return &sessionsRepo{db: db, timeout: timeout}
}

func (r *sessionsRepo) ActiveSession(ctx context.Context, userBrokerID int64) (domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT session_id, user_broker_id, access_token, valid_till, status, version
		FROM user_broker_sessions
		WHERE user_broker_id = $1 AND status = 'ACTIVE'
		ORDER BY version DESC
		LIMIT 1`

	var s domain.Session
	err := r.db.QueryRowxContext(ctx, query, userBrokerID).StructScan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session for user broker %d: %w", userBrokerID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("fetch session for user broker %d: %w", userBrokerID, err)
	}
	return s, nil
}

// Append expires the current ACTIVE row and inserts the next version in one
// transaction. UNIQUE(user_broker_id, version) turns a concurrent refresh
// into a duplicate-key error instead of two ACTIVE sessions.
func (r *sessionsRepo) Append(ctx context.Context, s *domain.Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE user_broker_sessions
		SET status = 'EXPIRED'
		WHERE user_broker_id = $1 AND status = 'ACTIVE'`,
		s.UserBrokerID)
	if err != nil {
		return fmt.Errorf("expire previous sessions: %w", err)
	}

	query := `
		INSERT INTO user_broker_sessions (user_broker_id, access_token,
			valid_till, status, version)
		SELECT $1, $2, $3, 'ACTIVE', COALESCE(MAX(version), 0) + 1
		FROM user_broker_sessions
		WHERE user_broker_id = $1
		RETURNING session_id, version`

	err = tx.QueryRowxContext(ctx, query, s.UserBrokerID, s.AccessToken, s.ValidTill).
		Scan(&s.SessionID, &s.Version)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("session version race for user broker %d: %w",
				s.UserBrokerID, domain.ErrDuplicateKey)
		}
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	s.Status = domain.SessionActive
	return nil
}
