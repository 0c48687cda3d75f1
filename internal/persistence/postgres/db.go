// Package postgres implements the persistence interfaces over sqlx and
// lib/pq. Constraints the repos rely on (unique keys, price CHECKs, the
// signal dedup index) live in schema.sql.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/triframe/triframe/internal/persistence"
)

//go:embed schema.sql
var schemaSQL string

// Config holds connection pool settings.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Second
	}
	return c
}

// Open connects to Postgres, configures the pool and verifies connectivity
// before anything else starts.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewRepository builds every repo over one connection pool with a shared
// per-query timeout.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Signals:  NewSignalsRepo(db, timeout),
		Intents:  NewIntentsRepo(db, timeout),
		Trades:   NewTradesRepo(db, timeout),
		Exits:    NewExitsRepo(db, timeout),
		Candles:  NewCandlesRepo(db, timeout),
		Accounts: NewAccountsRepo(db, timeout),
		Sessions: NewSessionsRepo(db, timeout),
		Events:   NewEventsRepo(db, timeout),
	}
}

// Migrate applies the embedded schema. Statements are idempotent, so the
// migrate command is safe to run on every deploy.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports database reachability for health probes.
func Ping(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
