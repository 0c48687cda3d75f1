// Package reconcile converges local trade state with broker truth. PENDING
// entry orders are polled until the broker reports a terminal state or the
// order goes stale; PLACED exit orders are swept so exits the fast path
// missed still close their trades. Every write is a guarded transition, so
// racing another observer of the same fill is harmless.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

// TradeStore is the slice of the trades repository the reconciler drives.
// The reconciler is the only writer of the PENDING → FILLED/OPEN, CANCELLED
// and TIMEOUT edges.
type TradeStore interface {
	ListPending(ctx context.Context) ([]domain.Trade, error)
	MarkFilled(ctx context.Context, tradeID int64, qty int64, avgPrice float64, at time.Time) error
	MarkOpen(ctx context.Context, tradeID int64, at time.Time) error
	MarkRejected(ctx context.Context, tradeID int64, from domain.TradeStatus, reason string, at time.Time) error
	MarkCancelled(ctx context.Context, tradeID int64, at time.Time) error
	MarkTimeout(ctx context.Context, tradeID int64, at time.Time) error
	TouchBrokerUpdate(ctx context.Context, tradeID int64, at time.Time) error
	TradeByID(ctx context.Context, tradeID int64) (*domain.Trade, error)
}

// ExitStore lists unconfirmed exit orders and settles them.
type ExitStore interface {
	ListPlaced(ctx context.Context) ([]domain.ExitIntent, error)
	UpdateExitStatus(ctx context.Context, exitIntentID string, status domain.ExitIntentStatus) error
}

// AccountReader resolves the owning user for event scoping.
type AccountReader interface {
	UserBroker(ctx context.Context, userBrokerID int64) (domain.UserBroker, error)
}

// AdapterSource resolves a user-broker id to its live adapter pair. The
// broker factory satisfies it.
type AdapterSource interface {
	Resolve(ctx context.Context, userBrokerID int64) (broker.DataBroker, broker.OrderBroker, error)
}

// ExitConfirmer applies a completed exit order to its trade. The executor
// satisfies it; sharing the implementation keeps the sweep and the fast path
// on one OPEN → CLOSED code path.
type ExitConfirmer interface {
	ConfirmExitFill(ctx context.Context, trade domain.Trade, intent domain.ExitIntent, userID int64, st broker.OrderStatus) error
}

// Config bounds one reconciler.
type Config struct {
	// Interval spaces cycles in Run.
	Interval time.Duration
	// StatusTimeout caps one broker status poll.
	StatusTimeout time.Duration
	// StaleAfter is how long a PENDING trade may go without broker word
	// before it times out.
	StaleAfter time.Duration
	// MaxInFlight caps concurrent status polls per cycle.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 5
	}
	return c
}

// Reconciler polls broker order state for in-flight trades and exits.
type Reconciler struct {
	cfg       Config
	trades    TradeStore
	exits     ExitStore
	accounts  AccountReader
	adapters  AdapterSource
	confirmer ExitConfirmer
	bus       events.Bus
	clock     clockwork.Clock
	metrics   *metrics.Registry
	log       zerolog.Logger

	sem chan struct{}

	mu      sync.Mutex
	userIDs map[int64]int64
}

func New(cfg Config, trades TradeStore, exits ExitStore, accounts AccountReader, adapters AdapterSource, confirmer ExitConfirmer, bus events.Bus, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		cfg:       cfg,
		trades:    trades,
		exits:     exits,
		accounts:  accounts,
		adapters:  adapters,
		confirmer: confirmer,
		bus:       bus,
		clock:     clock,
		metrics:   m,
		log:       log.With().Str("component", "reconcile").Logger(),
		sem:       make(chan struct{}, cfg.MaxInFlight),
		userIDs:   make(map[int64]int64),
	}
}

// Run cycles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle runs one full pass: pending entry orders first, then placed exits.
func (r *Reconciler) Cycle(ctx context.Context) {
	timer := metrics.NewStepTimer(r.metrics.ReconcileCycle)
	defer timer.Stop()

	r.reconcilePending(ctx)
	r.sweepExits(ctx)
}

func (r *Reconciler) reconcilePending(ctx context.Context) {
	pending, err := r.trades.ListPending(ctx)
	if err != nil {
		r.metrics.Degrade.WithLabelValues("reconcile_list").Inc()
		r.log.Error().Err(err).Msg("pending trades not listed")
		return
	}

	now := r.clock.Now()
	var wg sync.WaitGroup
	for _, t := range pending {
		r.metrics.ReconcileChecked.Inc()
		if now.Sub(t.LastBrokerUpdateAt) > r.cfg.StaleAfter {
			r.timeoutTrade(ctx, t)
			continue
		}
		select {
		case r.sem <- struct{}{}:
		default:
			// Out of permits; the trade waits for the next cycle.
			r.metrics.ReconcileRateLimited.Inc()
			continue
		}
		wg.Add(1)
		go func(t domain.Trade) {
			defer wg.Done()
			defer func() { <-r.sem }()
			r.checkPending(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (r *Reconciler) checkPending(ctx context.Context, t domain.Trade) {
	tctx, cancel := context.WithTimeout(ctx, r.cfg.StatusTimeout)
	defer cancel()

	_, order, err := r.adapters.Resolve(tctx, t.UserBrokerID)
	if err != nil {
		r.metrics.Degrade.WithLabelValues("reconcile_adapter").Inc()
		r.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("adapter unavailable for reconcile")
		return
	}

	brokerOrderID := ""
	if t.BrokerOrderID != nil {
		brokerOrderID = *t.BrokerOrderID
	}
	st, err := order.OrderStatus(tctx, brokerOrderID, t.ClientOrderID)
	if err != nil {
		if errors.Is(err, broker.ErrRateLimited) {
			r.metrics.ReconcileRateLimited.Inc()
			return
		}
		r.log.Warn().Err(err).Int64("trade_id", t.TradeID).Msg("order status poll failed")
		return
	}
	r.applyEntry(ctx, t, st)
}

// applyEntry folds one polled status into the trade. Non-terminal answers
// only refresh the staleness clock; UNKNOWN refreshes nothing, so an order
// the broker cannot see ages into the timeout path.
func (r *Reconciler) applyEntry(ctx context.Context, t domain.Trade, st broker.OrderStatus) {
	now := r.clock.Now()
	at := st.Timestamp
	if at.IsZero() {
		at = now
	}

	switch st.Status {
	case broker.StateComplete:
		qty := st.FilledQty
		if qty <= 0 {
			qty = t.EntryQty
		}
		price := domain.Round2(st.AvgFillPrice)
		if price <= 0 {
			price = t.EntryPrice
		}
		if err := r.trades.MarkFilled(ctx, t.TradeID, qty, price, at); err != nil {
			r.transitionLost(err, t.TradeID, "filled")
			return
		}
		if err := r.trades.MarkOpen(ctx, t.TradeID, at); err != nil {
			r.transitionLost(err, t.TradeID, "open")
			return
		}
		t.Status = domain.TradeOpen
		t.EntryQty = qty
		t.EntryPrice = price
		t.EntryAt = &at
		r.metrics.ReconcileUpdated.Inc()
		r.metrics.OrdersFilled.Inc()
		r.metrics.PendingTrades.Dec()
		r.metrics.OpenTrades.Inc()
		r.log.Info().Int64("trade_id", t.TradeID).Str("symbol", t.Symbol).
			Int64("qty", qty).Float64("avg_price", price).Msg("entry filled")
		userID := r.userIDFor(ctx, t.UserBrokerID)
		r.publishTrade(ctx, events.EventOrderFilled, userID, &t)
		r.publishTrade(ctx, events.EventTradeOpened, userID, &t)

	case broker.StateRejected:
		reason := st.RejectReason
		if reason == "" {
			reason = "rejected at broker"
		}
		if err := r.trades.MarkRejected(ctx, t.TradeID, domain.TradePending, reason, at); err != nil {
			r.transitionLost(err, t.TradeID, "rejected")
			return
		}
		t.Status = domain.TradeRejected
		t.RejectReason = &reason
		r.metrics.ReconcileUpdated.Inc()
		r.metrics.OrdersRejected.WithLabelValues("BROKER").Inc()
		r.metrics.PendingTrades.Dec()
		r.log.Warn().Int64("trade_id", t.TradeID).Str("reason", reason).Msg("pending order rejected at broker")
		r.publishTrade(ctx, events.EventOrderRejected, r.userIDFor(ctx, t.UserBrokerID), &t)

	case broker.StateCancelled:
		if err := r.trades.MarkCancelled(ctx, t.TradeID, at); err != nil {
			r.transitionLost(err, t.TradeID, "cancelled")
			return
		}
		reason := "cancelled at broker"
		t.Status = domain.TradeCancelled
		t.RejectReason = &reason
		r.metrics.ReconcileUpdated.Inc()
		r.metrics.PendingTrades.Dec()
		r.log.Warn().Int64("trade_id", t.TradeID).Msg("pending order cancelled at broker")
		r.publishTrade(ctx, events.EventOrderRejected, r.userIDFor(ctx, t.UserBrokerID), &t)

	case broker.StateUnknown:
		r.log.Warn().Int64("trade_id", t.TradeID).Str("client_order_id", t.ClientOrderID).
			Msg("broker does not know the order")

	default:
		if err := r.trades.TouchBrokerUpdate(ctx, t.TradeID, now); err != nil {
			r.metrics.Degrade.WithLabelValues("reconcile_touch").Inc()
			r.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("broker contact not recorded")
		}
	}
}

func (r *Reconciler) timeoutTrade(ctx context.Context, t domain.Trade) {
	if err := r.trades.MarkTimeout(ctx, t.TradeID, r.clock.Now()); err != nil {
		r.transitionLost(err, t.TradeID, "timeout")
		return
	}
	t.Status = domain.TradeTimeout
	r.metrics.ReconcileTimeouts.Inc()
	r.metrics.PendingTrades.Dec()
	r.log.Warn().Int64("trade_id", t.TradeID).Str("client_order_id", t.ClientOrderID).
		Time("last_broker_update", t.LastBrokerUpdateAt).Msg("pending trade timed out")
	r.publishTrade(ctx, events.EventOrderTimeout, r.userIDFor(ctx, t.UserBrokerID), &t)
}

func (r *Reconciler) sweepExits(ctx context.Context) {
	placed, err := r.exits.ListPlaced(ctx)
	if err != nil {
		r.metrics.Degrade.WithLabelValues("reconcile_exits_list").Inc()
		r.log.Error().Err(err).Msg("placed exit intents not listed")
		return
	}
	for _, intent := range placed {
		r.sweepExit(ctx, intent)
	}
}

func (r *Reconciler) sweepExit(ctx context.Context, intent domain.ExitIntent) {
	trade, err := r.trades.TradeByID(ctx, intent.TradeID)
	if err != nil {
		r.metrics.Degrade.WithLabelValues("reconcile_exit_trade").Inc()
		r.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("exit sweep trade lookup failed")
		return
	}
	if trade.Status == domain.TradeClosed {
		// The fast path already closed the trade; only the intent mark was
		// lost.
		if err := r.exits.UpdateExitStatus(ctx, intent.ExitIntentID, domain.ExitIntentFilled); err != nil {
			r.metrics.Degrade.WithLabelValues("exit_mark_filled").Inc()
			r.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("filled exit not recorded")
		}
		return
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.StatusTimeout)
	defer cancel()

	_, order, err := r.adapters.Resolve(tctx, intent.UserBrokerID)
	if err != nil {
		r.metrics.Degrade.WithLabelValues("reconcile_adapter").Inc()
		r.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("adapter unavailable for exit sweep")
		return
	}

	// Exit intents carry no broker order id; the port contract resolves by
	// client order id.
	st, err := order.OrderStatus(tctx, "", intent.ExitIntentID)
	if err != nil {
		if errors.Is(err, broker.ErrRateLimited) {
			r.metrics.ReconcileRateLimited.Inc()
			return
		}
		r.log.Warn().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("exit status poll failed")
		return
	}

	switch st.Status {
	case broker.StateComplete:
		if err := r.confirmer.ConfirmExitFill(ctx, *trade, intent, r.userIDFor(ctx, intent.UserBrokerID), st); err != nil {
			r.metrics.Degrade.WithLabelValues("reconcile_exit_confirm").Inc()
			r.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("exit fill not applied")
		}
	case broker.StateRejected, broker.StateCancelled:
		if err := r.exits.UpdateExitStatus(ctx, intent.ExitIntentID, domain.ExitIntentFailed); err != nil {
			r.metrics.Degrade.WithLabelValues("exit_mark_failed").Inc()
			r.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("failed exit not recorded")
			return
		}
		r.metrics.ReconcileUpdated.Inc()
		r.log.Warn().Int64("trade_id", intent.TradeID).Str("exit_intent_id", intent.ExitIntentID).
			Str("status", string(st.Status)).Msg("exit order dead at broker")
		ev := events.New(events.EventOrderRejected, events.TopicUserBroker, intent).
			ForUserBroker(r.userIDFor(ctx, intent.UserBrokerID), intent.UserBrokerID).ForSymbol(trade.Symbol)
		if err := r.bus.Publish(ctx, ev); err != nil {
			r.metrics.Degrade.WithLabelValues("event_publish").Inc()
			r.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("event not published")
		}
	}
}

// transitionLost distinguishes a benign race, where another path already
// advanced the trade, from a real write failure.
func (r *Reconciler) transitionLost(err error, tradeID int64, to string) {
	if errors.Is(err, domain.ErrIllegalTransition) {
		r.log.Debug().Int64("trade_id", tradeID).Str("to", to).Msg("transition already applied elsewhere")
		return
	}
	r.metrics.Degrade.WithLabelValues("reconcile_mark").Inc()
	r.log.Error().Err(err).Int64("trade_id", tradeID).Str("to", to).Msg("trade transition not recorded")
}

func (r *Reconciler) userIDFor(ctx context.Context, userBrokerID int64) int64 {
	r.mu.Lock()
	if id, ok := r.userIDs[userBrokerID]; ok {
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	ub, err := r.accounts.UserBroker(ctx, userBrokerID)
	if err != nil {
		r.metrics.Degrade.WithLabelValues("reconcile_account").Inc()
		r.log.Error().Err(err).Int64("user_broker_id", userBrokerID).Msg("account lookup failed for event scope")
		return 0
	}
	r.mu.Lock()
	r.userIDs[userBrokerID] = ub.UserID
	r.mu.Unlock()
	return ub.UserID
}

func (r *Reconciler) publishTrade(ctx context.Context, typ events.EventType, userID int64, trade *domain.Trade) {
	ev := events.New(typ, events.TopicUserBroker, trade).
		ForUserBroker(userID, trade.UserBrokerID).ForSymbol(trade.Symbol)
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.metrics.Degrade.WithLabelValues("event_publish").Inc()
		r.log.Error().Err(err).Str("event", string(typ)).Int64("trade_id", trade.TradeID).
			Msg("event not published")
	}
}
