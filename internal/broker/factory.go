package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/domain"
)

// AccountSource yields user-broker rows for adapter construction.
type AccountSource interface {
	UserBroker(ctx context.Context, userBrokerID int64) (domain.UserBroker, error)
}

// SessionSource yields the current ACTIVE token row for an account.
type SessionSource interface {
	ActiveSession(ctx context.Context, userBrokerID int64) (domain.Session, error)
}

// Builder constructs the adapter pair for one account from its row and its
// active session. Registered once per broker code.
type Builder func(ub domain.UserBroker, s domain.Session) (DataBroker, OrderBroker, error)

type adapterPair struct {
	data  DataBroker
	order OrderBroker
}

// Factory resolves user-broker ids to live adapter pairs. Resolution is
// cached per account until Invalidate, which session rotation calls.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
	accounts AccountSource
	sessions SessionSource
	resolved map[int64]adapterPair
	log      zerolog.Logger
}

func NewFactory(accounts AccountSource, sessions SessionSource, log zerolog.Logger) *Factory {
	return &Factory{
		builders: make(map[string]Builder),
		accounts: accounts,
		sessions: sessions,
		resolved: make(map[int64]adapterPair),
		log:      log.With().Str("component", "broker_factory").Logger(),
	}
}

// Register installs the builder for one broker code. Later registrations
// replace earlier ones, which tests use to swap in the paper broker.
func (f *Factory) Register(code string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[code] = b
}

// Resolve returns the adapter pair for an account, building and caching it
// on first use.
func (f *Factory) Resolve(ctx context.Context, userBrokerID int64) (DataBroker, OrderBroker, error) {
	f.mu.RLock()
	if p, ok := f.resolved[userBrokerID]; ok {
		f.mu.RUnlock()
		return p.data, p.order, nil
	}
	f.mu.RUnlock()

	ub, err := f.accounts.UserBroker(ctx, userBrokerID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve user broker %d: %w", userBrokerID, err)
	}
	session, err := f.sessions.ActiveSession(ctx, userBrokerID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: user broker %d: %v", ErrNoSession, userBrokerID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.resolved[userBrokerID]; ok {
		return p.data, p.order, nil
	}
	build, ok := f.builders[ub.BrokerCode]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBroker, ub.BrokerCode)
	}
	data, order, err := build(ub, session)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s adapters: %w", ub.BrokerCode, err)
	}
	f.resolved[userBrokerID] = adapterPair{data: data, order: order}
	f.log.Info().Int64("user_broker_id", userBrokerID).
		Str("broker", ub.BrokerCode).Str("env", string(ub.Env)).
		Str("token", session.TokenFingerprint()).
		Msg("broker adapters resolved")
	return data, order, nil
}

// Invalidate drops the cached pair so the next Resolve rebuilds with a fresh
// session.
func (f *Factory) Invalidate(userBrokerID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resolved, userBrokerID)
}
