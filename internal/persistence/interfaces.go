// Package persistence defines the repository contracts the engine depends
// on. Implementations live in persistence/postgres; tests substitute fakes.
// Every method takes a context and respects the repository's query timeout.
package persistence

import (
	"context"
	"time"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
)

// SignalsRepo stores published signals. Deduplication is enforced by the
// database on (symbol, confluence_type, signal_day, effective_floor,
// effective_ceiling), never in memory.
type SignalsRepo interface {
	// InsertSignal upserts on the dedup key. A fresh row reports true; a
	// re-detection refreshes last_checked_at on the existing row and
	// reports false. s.SignalID is filled either way.
	InsertSignal(ctx context.Context, s *domain.Signal) (bool, error)

	// SignalByID fetches one signal or domain.ErrNotFound.
	SignalByID(ctx context.Context, signalID int64) (*domain.Signal, error)

	// ExpireBefore marks PUBLISHED signals generated before the cutoff as
	// EXPIRED and returns how many rows changed.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IntentsRepo stores fan-out decisions, one row per (signal, user broker).
type IntentsRepo interface {
	// Insert writes an intent. A second intent for the same
	// (signal_id, user_broker_id) returns domain.ErrDuplicateKey.
	Insert(ctx context.Context, in *domain.TradeIntent) error

	// IntentByID fetches one intent or domain.ErrNotFound.
	IntentByID(ctx context.Context, intentID string) (*domain.TradeIntent, error)
}

// TradesRepo is the trade state store. Transitions run as guarded updates
// (WHERE status = expected); a write that matches no row surfaces the
// current state inside a domain.StateMachineError instead of silently
// clobbering it.
type TradesRepo interface {
	// Create inserts a CREATED trade for an approved intent. Re-inserting
	// the same intent_id returns the already-stored trade unchanged.
	Create(ctx context.Context, t *domain.Trade) error

	// MarkPending moves CREATED → PENDING and records the broker order id.
	MarkPending(ctx context.Context, tradeID int64, brokerOrderID string, at time.Time) error

	// MarkRejected moves CREATED or PENDING → REJECTED with a reason.
	MarkRejected(ctx context.Context, tradeID int64, from domain.TradeStatus, reason string, at time.Time) error

	// MarkFilled moves PENDING → FILLED and records the fill.
	MarkFilled(ctx context.Context, tradeID int64, qty int64, avgPrice float64, at time.Time) error

	// MarkOpen moves FILLED → OPEN.
	MarkOpen(ctx context.Context, tradeID int64, at time.Time) error

	// MarkCancelled moves PENDING → CANCELLED.
	MarkCancelled(ctx context.Context, tradeID int64, at time.Time) error

	// MarkTimeout moves PENDING → TIMEOUT.
	MarkTimeout(ctx context.Context, tradeID int64, at time.Time) error

	// Close moves OPEN → CLOSED with exit price, trigger and realized pnl.
	Close(ctx context.Context, tradeID int64, exitPrice float64, trigger string, pnl float64, at time.Time) error

	// UpdateTrailing persists the trailing highest and stop for an OPEN
	// trade without a state change.
	UpdateTrailing(ctx context.Context, tradeID int64, highest, stop float64) error

	// TouchBrokerUpdate refreshes last_broker_update_at after any broker
	// contact that changed nothing else.
	TouchBrokerUpdate(ctx context.Context, tradeID int64, at time.Time) error

	// TradeByID fetches one trade or domain.ErrNotFound.
	TradeByID(ctx context.Context, tradeID int64) (*domain.Trade, error)

	// ByClientOrderID fetches by the idempotency key or domain.ErrNotFound.
	ByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Trade, error)

	// ListPending returns all PENDING trades, oldest broker update first.
	ListPending(ctx context.Context) ([]domain.Trade, error)

	// OpenTrades returns every OPEN trade across all accounts.
	OpenTrades(ctx context.Context) ([]domain.Trade, error)

	// OpenBySymbol returns OPEN trades for one (account, symbol), oldest
	// entry first. Fan-out uses it for rebuy classification.
	OpenBySymbol(ctx context.Context, userBrokerID int64, symbol string) ([]domain.Trade, error)

	// CurrentExposure sums entry_price × entry_qty over committed trades
	// (PENDING, FILLED, OPEN) for one account.
	CurrentExposure(ctx context.Context, userBrokerID int64) (float64, error)

	// StopRisk sums (entry_price - exit_stop_price) × entry_qty over the
	// account's committed trades: the capital at risk if every stop hits.
	StopRisk(ctx context.Context, userBrokerID int64) (float64, error)

	// SymbolStopRisk is StopRisk restricted to one symbol.
	SymbolStopRisk(ctx context.Context, userBrokerID int64, symbol string) (float64, error)

	// RealizedPnlSince sums realized_pnl over trades closed at or after
	// the cutoff. Loss-limit gates call it with day and week boundaries.
	RealizedPnlSince(ctx context.Context, userBrokerID int64, since time.Time) (float64, error)

	// LastTradeAt returns when the account last created a trade on the
	// symbol, or nil when it never has. Cooldown gates read it.
	LastTradeAt(ctx context.Context, userBrokerID int64, symbol string) (*time.Time, error)
}

// ExitsRepo stores exit intents with episode-level idempotency.
type ExitsRepo interface {
	// InsertExitIntent writes an exit intent. A duplicate
	// (trade_id, exit_reason, episode_id) reports false with no error.
	InsertExitIntent(ctx context.Context, ei *domain.ExitIntent) (bool, error)

	// UpdateExitStatus advances an exit intent's status.
	UpdateExitStatus(ctx context.Context, exitIntentID string, status domain.ExitIntentStatus) error

	// OpenExitIntent returns the unsettled exit intent for a trade, or
	// nil when none is in flight.
	OpenExitIntent(ctx context.Context, tradeID int64) (*domain.ExitIntent, error)

	// ListPlaced returns exit intents whose orders are at the broker but
	// not yet confirmed. The reconciler sweeps them.
	ListPlaced(ctx context.Context) ([]domain.ExitIntent, error)

	// ListApproved returns exit intents that were approved but never
	// reached the broker. Startup recovery resubmits them; placement is
	// idempotent on the exit intent id, so a resubmit cannot double-order.
	ListApproved(ctx context.Context) ([]domain.ExitIntent, error)

	// LastEpisodeAt returns when the reason last fired for the trade, or
	// nil. The monitor uses it for the per-reason episode cooldown.
	LastEpisodeAt(ctx context.Context, tradeID int64, reason domain.ExitReason) (*time.Time, error)
}

// CandlesRepo stores closed candles keyed (symbol, timeframe, bucket_start).
type CandlesRepo interface {
	// UpsertCandle writes a closed candle, replacing any previous row for
	// the same bucket.
	UpsertCandle(ctx context.Context, c domain.Candle) error

	// RecentCandles returns up to n closed candles for a series, oldest
	// first, ending at the latest persisted bucket.
	RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error)
}

// AccountsRepo reads broker accounts and their risk profiles.
type AccountsRepo interface {
	// UserBroker fetches one account with its watchlist, or
	// domain.ErrNotFound.
	UserBroker(ctx context.Context, userBrokerID int64) (domain.UserBroker, error)

	// ListEnabledExec returns every enabled EXEC account. Fan-out
	// enumerates these per signal.
	ListEnabledExec(ctx context.Context) ([]domain.UserBroker, error)

	// DataAccount returns the enabled DATA account, or domain.ErrNotFound
	// when none is configured.
	DataAccount(ctx context.Context) (domain.UserBroker, error)

	// RiskProfile fetches a profile by id or domain.ErrNotFound.
	RiskProfile(ctx context.Context, riskProfileID int64) (domain.RiskProfile, error)

	// SetPaused flips the account-level pause flag.
	SetPaused(ctx context.Context, userBrokerID int64, paused bool) error
}

// SessionsRepo manages broker token rows. Sessions are append-only; a
// refresh inserts the next version rather than updating in place.
type SessionsRepo interface {
	// ActiveSession returns the highest-version ACTIVE session for an
	// account, or domain.ErrNotFound.
	ActiveSession(ctx context.Context, userBrokerID int64) (domain.Session, error)

	// Append inserts a session at the next version and marks earlier
	// ACTIVE rows EXPIRED.
	Append(ctx context.Context, s *domain.Session) error
}

// EventsRepo is the persistence half of the event bus.
type EventsRepo interface {
	// InsertEvent writes one event row.
	InsertEvent(ctx context.Context, ev events.Event) error

	// InsertEvents writes a batch atomically.
	InsertEvents(ctx context.Context, evs []events.Event) error
}

// Repository bundles every repo behind one wiring point.
type Repository struct {
	Signals  SignalsRepo
	Intents  IntentsRepo
	Trades   TradesRepo
	Exits    ExitsRepo
	Candles  CandlesRepo
	Accounts AccountsRepo
	Sessions SessionsRepo
	Events   EventsRepo
}
