package exits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/executor"
	"github.com/triframe/triframe/internal/metrics"
)

// TradeStore is the slice of the trades repository the monitor reads and the
// trailing-pair writes it owns.
type TradeStore interface {
	OpenTrades(ctx context.Context) ([]domain.Trade, error)
	UpdateTrailing(ctx context.Context, tradeID int64, highest, stop float64) error
}

// ExitStore persists exit intents with episode idempotency.
type ExitStore interface {
	InsertExitIntent(ctx context.Context, ei *domain.ExitIntent) (bool, error)
	OpenExitIntent(ctx context.Context, tradeID int64) (*domain.ExitIntent, error)
	LastEpisodeAt(ctx context.Context, tradeID int64, reason domain.ExitReason) (*time.Time, error)
}

// AccountReader resolves accounts and their risk profiles for hold limits
// and event scoping.
type AccountReader interface {
	UserBroker(ctx context.Context, userBrokerID int64) (domain.UserBroker, error)
	RiskProfile(ctx context.Context, riskProfileID int64) (domain.RiskProfile, error)
}

// Submitter hands a triggered exit to the order path. The executor
// satisfies it.
type Submitter interface {
	SubmitExit(req executor.Exit) error
}

// Config bounds one monitor.
type Config struct {
	// QueueSize bounds the tick queue between the stream loop and the
	// monitor goroutine.
	QueueSize int
	// Cooldown spaces episodes of the same reason on the same trade.
	Cooldown time.Duration
	// ProductType is stamped on exit orders.
	ProductType string
	// Rules tunes the exit rule ladder.
	Rules RuleConfig
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProductType == "" {
		c.ProductType = "CNC"
	}
	return c
}

// accountInfo caches the per-account fields every evaluation needs so the
// hot path does not hit the accounts repository per tick.
type accountInfo struct {
	userID     int64
	brokerCode string
	maxHold    time.Duration
}

// symbolBook holds the open trades of one symbol. Its lock is the per-symbol
// granularity: ticks on different symbols never contend.
type symbolBook struct {
	mu     sync.Mutex
	trades map[int64]*domain.Trade
}

// Monitor watches open trades on the live tick path. The database stays the
// source of truth; the book is a cache rebuilt from OPEN rows at start and
// maintained through trade lifecycle events.
type Monitor struct {
	cfg      Config
	trades   TradeStore
	exits    ExitStore
	accounts AccountReader
	exec     Submitter
	bus      events.Bus
	clock    clockwork.Clock
	metrics  *metrics.Registry
	log      zerolog.Logger

	in chan domain.Tick

	mu   sync.RWMutex
	book map[string]*symbolBook

	acctMu sync.Mutex
	accts  map[int64]accountInfo
}

func New(cfg Config, trades TradeStore, exits ExitStore, accounts AccountReader, exec Submitter, bus events.Bus, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:      cfg,
		trades:   trades,
		exits:    exits,
		accounts: accounts,
		exec:     exec,
		bus:      bus,
		clock:    clock,
		metrics:  m,
		log:      log.With().Str("component", "exit_monitor").Logger(),
		in:       make(chan domain.Tick, cfg.QueueSize),
		book:     make(map[string]*symbolBook),
		accts:    make(map[int64]accountInfo),
	}
}

// Start loads every OPEN trade into the book. Called once before ticks flow.
func (m *Monitor) Start(ctx context.Context) error {
	open, err := m.trades.OpenTrades(ctx)
	if err != nil {
		return err
	}
	for i := range open {
		m.track(&open[i])
	}
	m.metrics.OpenTrades.Set(float64(len(open)))
	m.log.Info().Int("open_trades", len(open)).Msg("exit monitor loaded open positions")
	return nil
}

// OnTick is the stream subscriber. It never blocks the tick loop; a full
// queue drops the tick with a counter and the next tick re-evaluates.
func (m *Monitor) OnTick(_ context.Context, t domain.Tick) {
	m.mu.RLock()
	_, watched := m.book[t.Symbol]
	m.mu.RUnlock()
	if !watched {
		return
	}
	select {
	case m.in <- t:
	default:
		m.metrics.Degrade.WithLabelValues("exit_queue_full").Inc()
	}
}

// Run drains the tick queue and keeps the book aligned with trade lifecycle
// events until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	sub, err := m.bus.Subscribe(events.TopicUserBroker, func(ev events.Event) bool {
		return ev.Type == events.EventTradeOpened || ev.Type == events.EventTradeClosed
	}, m.cfg.QueueSize)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			m.applyTradeEvent(ev)
		case t := <-m.in:
			m.evaluate(ctx, t)
		}
	}
}

func (m *Monitor) applyTradeEvent(ev events.Event) {
	trade, ok := ev.Payload.(*domain.Trade)
	if !ok {
		return
	}
	switch ev.Type {
	case events.EventTradeOpened:
		cp := *trade
		m.track(&cp)
		m.log.Debug().Int64("trade_id", cp.TradeID).Str("symbol", cp.Symbol).Msg("tracking open trade")
	case events.EventTradeClosed:
		m.untrack(trade.Symbol, trade.TradeID)
		m.log.Debug().Int64("trade_id", trade.TradeID).Str("symbol", trade.Symbol).Msg("trade left the book")
	}
}

func (m *Monitor) track(t *domain.Trade) {
	m.mu.Lock()
	sb, ok := m.book[t.Symbol]
	if !ok {
		sb = &symbolBook{trades: make(map[int64]*domain.Trade)}
		m.book[t.Symbol] = sb
	}
	m.mu.Unlock()

	sb.mu.Lock()
	sb.trades[t.TradeID] = t
	sb.mu.Unlock()
}

func (m *Monitor) untrack(symbol string, tradeID int64) {
	m.mu.RLock()
	sb, ok := m.book[symbol]
	m.mu.RUnlock()
	if !ok {
		return
	}
	sb.mu.Lock()
	delete(sb.trades, tradeID)
	sb.mu.Unlock()
}

func (m *Monitor) evaluate(ctx context.Context, tick domain.Tick) {
	m.mu.RLock()
	sb, ok := m.book[tick.Symbol]
	m.mu.RUnlock()
	if !ok {
		return
	}

	sb.mu.Lock()
	trades := make([]*domain.Trade, 0, len(sb.trades))
	for _, t := range sb.trades {
		trades = append(trades, t)
	}
	sb.mu.Unlock()

	now := m.clock.Now()
	for _, t := range trades {
		info, err := m.accountInfo(ctx, t.UserBrokerID)
		if err != nil {
			m.metrics.Degrade.WithLabelValues("exit_account").Inc()
			m.log.Error().Err(err).Int64("user_broker_id", t.UserBrokerID).
				Msg("account lookup failed, trade not evaluated")
			continue
		}

		ev := Evaluate(*t, tick.LastPrice, now, info.maxHold, m.cfg.Rules)
		if ev.TrailingMoved {
			if err := m.trades.UpdateTrailing(ctx, t.TradeID, ev.Highest, ev.TrailingStop); err != nil {
				m.metrics.Degrade.WithLabelValues("exit_trailing").Inc()
				m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("trailing pair not persisted")
			} else {
				highest, stop := ev.Highest, ev.TrailingStop
				t.TrailingHighestPrice = &highest
				t.TrailingStopPrice = &stop
			}
		}
		if ev.Exited() {
			m.trigger(ctx, t, info, ev.Reason, tick.LastPrice, now)
		}
	}
}

func (m *Monitor) accountInfo(ctx context.Context, userBrokerID int64) (accountInfo, error) {
	m.acctMu.Lock()
	if info, ok := m.accts[userBrokerID]; ok {
		m.acctMu.Unlock()
		return info, nil
	}
	m.acctMu.Unlock()

	ub, err := m.accounts.UserBroker(ctx, userBrokerID)
	if err != nil {
		return accountInfo{}, err
	}
	profile, err := m.accounts.RiskProfile(ctx, ub.RiskProfileID)
	if err != nil {
		return accountInfo{}, err
	}
	info := accountInfo{userID: ub.UserID, brokerCode: ub.BrokerCode, maxHold: profile.MaxHoldDuration}
	m.acctMu.Lock()
	m.accts[userBrokerID] = info
	m.acctMu.Unlock()
	return info, nil
}

// trigger turns one rule hit into an exit intent and a reverse order. Three
// guards keep exits exclusive: the open-intent check, the per-reason episode
// cooldown, and the (trade, reason, episode) unique key in the store.
func (m *Monitor) trigger(ctx context.Context, t *domain.Trade, info accountInfo, reason domain.ExitReason, price float64, now time.Time) {
	open, err := m.exits.OpenExitIntent(ctx, t.TradeID)
	if err != nil {
		m.metrics.Degrade.WithLabelValues("exit_lookup").Inc()
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("open exit lookup failed")
		return
	}
	if open != nil {
		m.log.Debug().Int64("trade_id", t.TradeID).Str("in_flight", string(open.ExitReason)).
			Str("reason", string(reason)).Msg("exit already in flight")
		return
	}

	last, err := m.exits.LastEpisodeAt(ctx, t.TradeID, reason)
	if err != nil {
		m.metrics.Degrade.WithLabelValues("exit_lookup").Inc()
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("episode lookup failed")
		return
	}
	if last != nil && now.Sub(*last) < m.cfg.Cooldown {
		m.log.Debug().Int64("trade_id", t.TradeID).Str("reason", string(reason)).
			Time("last_episode", *last).Msg("exit inside episode cooldown")
		return
	}

	intent := &domain.ExitIntent{
		ExitIntentID: uuid.NewString(),
		TradeID:      t.TradeID,
		UserBrokerID: t.UserBrokerID,
		ExitReason:   reason,
		EpisodeID:    EpisodeID(now, m.cfg.Cooldown),
		TriggeredAt:  now,
		Status:       domain.ExitIntentApproved,
	}
	inserted, err := m.exits.InsertExitIntent(ctx, intent)
	if err != nil {
		m.metrics.Degrade.WithLabelValues("exit_insert").Inc()
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Str("reason", string(reason)).
			Msg("exit intent not persisted, order not placed")
		return
	}
	if !inserted {
		m.log.Debug().Int64("trade_id", t.TradeID).Str("reason", string(reason)).
			Str("episode_id", intent.EpisodeID).Msg("episode already claimed")
		return
	}

	m.log.Info().Int64("trade_id", t.TradeID).Str("symbol", t.Symbol).
		Str("reason", string(reason)).Float64("price", price).
		Str("exit_intent_id", intent.ExitIntentID).Msg("exit triggered")

	ev := events.New(events.EventExitTriggered, events.TopicUserBroker, intent).
		ForUserBroker(info.userID, t.UserBrokerID).ForSymbol(t.Symbol)
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.metrics.Degrade.WithLabelValues("event_publish").Inc()
		m.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("event not published")
	}

	if err := m.exec.SubmitExit(executor.Exit{
		Trade:       *t,
		Intent:      *intent,
		UserID:      info.userID,
		BrokerCode:  info.brokerCode,
		LimitPrice:  domain.Round2(price),
		ProductType: m.cfg.ProductType,
	}); err != nil {
		m.metrics.Degrade.WithLabelValues("exit_submit").Inc()
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("exit not submitted")
	}
}

// EpisodeID names the cooldown window a trigger falls into. Deriving it from
// the clock makes concurrent triggers of the same reason collide on the
// store's unique key instead of double-placing.
func EpisodeID(at time.Time, cooldown time.Duration) string {
	return at.UTC().Truncate(cooldown).Format("20060102T150405Z")
}
