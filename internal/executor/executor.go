// Package executor turns approved intents into broker orders. The trade row
// is created before the broker ever sees the order, so a crash can leave a
// CREATED row without an order but never an order without a row. One
// goroutine per user-broker keeps each account's submissions ordered.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

// Submission errors.
var (
	ErrClosed   = errors.New("executor closed")
	ErrLaneFull = errors.New("executor lane full")
)

// Reason classes for the orders.rejected counter. Raw broker strings stay in
// the trade row and the event; the label space must not grow with them.
const (
	rejectClassBroker    = "BROKER"
	rejectClassTransport = "TRANSPORT"
	rejectClassAdapter   = "ADAPTER"
)

const (
	submitTimeout = 10 * time.Second
	laneDepth     = 32
)

// TradeStore is the slice of the trades repository the executor writes. The
// executor is the only writer of the CREATED -> PENDING and
// CREATED -> REJECTED edges.
type TradeStore interface {
	Create(ctx context.Context, t *domain.Trade) error
	MarkPending(ctx context.Context, tradeID int64, brokerOrderID string, at time.Time) error
	MarkRejected(ctx context.Context, tradeID int64, from domain.TradeStatus, reason string, at time.Time) error
	Close(ctx context.Context, tradeID int64, exitPrice float64, trigger string, pnl float64, at time.Time) error
}

// ExitStore advances exit intents as their orders progress.
type ExitStore interface {
	UpdateExitStatus(ctx context.Context, exitIntentID string, status domain.ExitIntentStatus) error
}

// AdapterSource resolves a user-broker id to its live adapter pair. The
// broker factory satisfies it.
type AdapterSource interface {
	Resolve(ctx context.Context, userBrokerID int64) (broker.DataBroker, broker.OrderBroker, error)
}

// Entry is an approved intent ready for placement plus the trade fields the
// fan-out derived from the signal and the account snapshot. Prices arrive
// already on the two-decimal scale.
type Entry struct {
	Intent      domain.TradeIntent
	UserID      int64
	BrokerCode  string
	Symbol      string
	TradeType   domain.TradeType
	TargetPrice float64
	StopPrice   float64
}

// Exit asks for a reverse order closing an open trade. LimitPrice is the
// trigger price the monitor observed.
type Exit struct {
	Trade       domain.Trade
	Intent      domain.ExitIntent
	UserID      int64
	BrokerCode  string
	LimitPrice  float64
	ProductType string
}

// Executor places entry and exit orders. Submissions are queued per
// user-broker and executed in order; nothing in here retries a failed
// placement, that is the caller's problem on the next signal and the
// reconciler's problem for in-flight state.
type Executor struct {
	trades   TradeStore
	exits    ExitStore
	adapters AdapterSource
	bus      events.Bus
	clock    clockwork.Clock
	metrics  *metrics.Registry
	log      zerolog.Logger

	mu     sync.Mutex
	lanes  map[int64]chan func()
	closed bool
	wg     sync.WaitGroup
}

func New(trades TradeStore, exits ExitStore, adapters AdapterSource, bus events.Bus, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *Executor {
	return &Executor{
		trades:   trades,
		exits:    exits,
		adapters: adapters,
		bus:      bus,
		clock:    clock,
		metrics:  m,
		log:      log.With().Str("component", "executor").Logger(),
		lanes:    make(map[int64]chan func()),
	}
}

// SubmitEntry queues an entry placement on the account's lane.
func (e *Executor) SubmitEntry(req Entry) error {
	return e.submit(req.Intent.UserBrokerID, func() { e.runEntry(req) })
}

// SubmitExit queues an exit placement on the account's lane.
func (e *Executor) SubmitExit(req Exit) error {
	return e.submit(req.Trade.UserBrokerID, func() { e.runExit(req) })
}

func (e *Executor) submit(userBrokerID int64, task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	lane, ok := e.lanes[userBrokerID]
	if !ok {
		lane = make(chan func(), laneDepth)
		e.lanes[userBrokerID] = lane
		e.wg.Add(1)
		go e.drain(lane)
	}
	e.mu.Unlock()

	select {
	case lane <- task:
		return nil
	default:
		e.metrics.Degrade.WithLabelValues("executor_lane_full").Inc()
		return fmt.Errorf("%w: user broker %d", ErrLaneFull, userBrokerID)
	}
}

func (e *Executor) drain(lane chan func()) {
	defer e.wg.Done()
	for task := range lane {
		task()
	}
}

// Close stops intake and waits for queued submissions to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, lane := range e.lanes {
		close(lane)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) runEntry(req Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	trade := &domain.Trade{
		IntentID:        req.Intent.IntentID,
		ClientOrderID:   req.Intent.IntentID,
		UserBrokerID:    req.Intent.UserBrokerID,
		Symbol:          req.Symbol,
		EntryQty:        req.Intent.ApprovedQty,
		EntryPrice:      req.Intent.LimitPrice,
		Status:          domain.TradeCreated,
		TradeType:       req.TradeType,
		ExitTargetPrice: req.TargetPrice,
		ExitStopPrice:   req.StopPrice,
		CreatedAt:       e.clock.Now(),
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		e.metrics.Degrade.WithLabelValues("trade_create").Inc()
		e.log.Error().Err(err).Str("intent_id", req.Intent.IntentID).
			Msg("trade row not created, order not placed")
		return
	}
	if trade.Status != domain.TradeCreated {
		// Create returned an earlier row that already advanced.
		e.log.Info().Int64("trade_id", trade.TradeID).Str("status", string(trade.Status)).
			Str("intent_id", req.Intent.IntentID).Msg("entry already submitted")
		return
	}

	_, order, err := e.adapters.Resolve(ctx, req.Intent.UserBrokerID)
	if err != nil {
		e.rejectEntry(ctx, req.UserID, trade, rejectClassAdapter, fmt.Sprintf("adapter: %v", err))
		return
	}

	timer := metrics.NewStepTimer(e.metrics.OrderPlacement)
	resp, err := order.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: req.Intent.IntentID,
		Symbol:        req.Symbol,
		Side:          broker.SideBuy,
		Qty:           req.Intent.ApprovedQty,
		LimitPrice:    req.Intent.LimitPrice,
		ProductType:   req.Intent.ProductType,
	})
	timer.Stop()
	if err != nil {
		e.rejectEntry(ctx, req.UserID, trade, rejectClassTransport, fmt.Sprintf("transport: %v", err))
		return
	}
	if !resp.Accepted() {
		e.rejectEntry(ctx, req.UserID, trade, rejectClassBroker, resp.RejectReason)
		return
	}

	if err := e.trades.MarkPending(ctx, trade.TradeID, resp.BrokerOrderID, e.clock.Now()); err != nil {
		// The order is live at the broker. Placement is idempotent by
		// clientOrderId, so a replayed intent lands here again and
		// retries the mark.
		e.metrics.Degrade.WithLabelValues("trade_mark_pending").Inc()
		e.log.Error().Err(err).Int64("trade_id", trade.TradeID).
			Str("broker_order_id", resp.BrokerOrderID).Msg("accepted order not marked pending")
		return
	}
	trade.Status = domain.TradePending
	trade.BrokerOrderID = &resp.BrokerOrderID
	e.metrics.OrdersPlaced.WithLabelValues(req.BrokerCode).Inc()
	e.metrics.PendingTrades.Inc()
	e.log.Info().Int64("trade_id", trade.TradeID).Str("intent_id", req.Intent.IntentID).
		Str("broker_order_id", resp.BrokerOrderID).Str("symbol", trade.Symbol).
		Int64("qty", trade.EntryQty).Float64("limit_price", trade.EntryPrice).
		Msg("order placed")
	e.publishTrade(ctx, events.EventOrderPlaced, req.UserID, trade)
}

func (e *Executor) rejectEntry(ctx context.Context, userID int64, trade *domain.Trade, class, reason string) {
	if err := e.trades.MarkRejected(ctx, trade.TradeID, domain.TradeCreated, reason, e.clock.Now()); err != nil {
		e.metrics.Degrade.WithLabelValues("trade_mark_rejected").Inc()
		e.log.Error().Err(err).Int64("trade_id", trade.TradeID).Msg("rejection not recorded")
		return
	}
	trade.Status = domain.TradeRejected
	trade.RejectReason = &reason
	e.metrics.OrdersRejected.WithLabelValues(class).Inc()
	e.log.Warn().Int64("trade_id", trade.TradeID).Str("intent_id", trade.IntentID).
		Str("reason", reason).Msg("order rejected")
	e.publishTrade(ctx, events.EventOrderRejected, userID, trade)
}

func (e *Executor) runExit(req Exit) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	trade := req.Trade
	if trade.Status != domain.TradeOpen {
		e.log.Warn().Int64("trade_id", trade.TradeID).Str("status", string(trade.Status)).
			Msg("exit submitted for non-open trade")
		return
	}

	_, order, err := e.adapters.Resolve(ctx, trade.UserBrokerID)
	if err != nil {
		e.failExit(ctx, req, rejectClassAdapter, fmt.Sprintf("adapter: %v", err))
		return
	}

	timer := metrics.NewStepTimer(e.metrics.OrderPlacement)
	resp, err := order.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: req.Intent.ExitIntentID,
		Symbol:        trade.Symbol,
		Side:          broker.SideSell,
		Qty:           trade.EntryQty,
		LimitPrice:    req.LimitPrice,
		ProductType:   req.ProductType,
	})
	timer.Stop()
	if err != nil {
		e.failExit(ctx, req, rejectClassTransport, fmt.Sprintf("transport: %v", err))
		return
	}
	if !resp.Accepted() {
		e.failExit(ctx, req, rejectClassBroker, resp.RejectReason)
		return
	}

	if err := e.exits.UpdateExitStatus(ctx, req.Intent.ExitIntentID, domain.ExitIntentPlaced); err != nil {
		// Startup recovery resubmits unsettled intents; the idempotent
		// placement returns this same order and the mark is retried.
		e.metrics.Degrade.WithLabelValues("exit_mark_placed").Inc()
		e.log.Error().Err(err).Str("exit_intent_id", req.Intent.ExitIntentID).
			Msg("placed exit not recorded")
		return
	}
	e.metrics.OrdersPlaced.WithLabelValues(req.BrokerCode).Inc()
	e.log.Info().Int64("trade_id", trade.TradeID).Str("exit_intent_id", req.Intent.ExitIntentID).
		Str("reason", string(req.Intent.ExitReason)).Float64("limit_price", req.LimitPrice).
		Msg("exit order placed")

	// Fast path: a marketable exit usually fills within one poll. Anything
	// still working is confirmed by the reconciler's exit sweep.
	st, err := order.OrderStatus(ctx, resp.BrokerOrderID, req.Intent.ExitIntentID)
	if err != nil || st.Status != broker.StateComplete {
		return
	}
	if err := e.ConfirmExitFill(ctx, trade, req.Intent, req.UserID, st); err != nil {
		e.log.Error().Err(err).Int64("trade_id", trade.TradeID).Msg("exit fill not applied")
	}
}

func (e *Executor) failExit(ctx context.Context, req Exit, class, reason string) {
	if err := e.exits.UpdateExitStatus(ctx, req.Intent.ExitIntentID, domain.ExitIntentFailed); err != nil {
		e.metrics.Degrade.WithLabelValues("exit_mark_failed").Inc()
		e.log.Error().Err(err).Str("exit_intent_id", req.Intent.ExitIntentID).
			Msg("failed exit not recorded")
	}
	e.metrics.OrdersRejected.WithLabelValues(class).Inc()
	e.log.Warn().Int64("trade_id", req.Trade.TradeID).Str("exit_intent_id", req.Intent.ExitIntentID).
		Str("reason", reason).Msg("exit order rejected")
	ev := events.New(events.EventOrderRejected, events.TopicUserBroker, req.Intent).
		ForUserBroker(req.UserID, req.Trade.UserBrokerID).ForSymbol(req.Trade.Symbol)
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.metrics.Degrade.WithLabelValues("event_publish").Inc()
		e.log.Error().Err(err).Str("event", string(events.EventOrderRejected)).Msg("event not published")
	}
}

// ConfirmExitFill drives OPEN -> CLOSED from a completed exit order. The
// executor's fast path and the reconciler's exit sweep both end here, so a
// double observation of the same fill loses the guarded transition and is
// dropped.
func (e *Executor) ConfirmExitFill(ctx context.Context, trade domain.Trade, intent domain.ExitIntent, userID int64, st broker.OrderStatus) error {
	exitPrice := domain.Round2(st.AvgFillPrice)
	pnl := domain.RealizedPnl(trade.EntryPrice, exitPrice, trade.EntryQty)
	at := st.Timestamp
	if at.IsZero() {
		at = e.clock.Now()
	}
	trigger := string(intent.ExitReason)

	if err := e.trades.Close(ctx, trade.TradeID, exitPrice, trigger, pnl, at); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			return nil
		}
		return fmt.Errorf("close trade %d: %w", trade.TradeID, err)
	}
	if err := e.exits.UpdateExitStatus(ctx, intent.ExitIntentID, domain.ExitIntentFilled); err != nil {
		e.metrics.Degrade.WithLabelValues("exit_mark_filled").Inc()
		e.log.Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).
			Msg("filled exit not recorded")
	}
	e.metrics.OrdersFilled.Inc()
	e.metrics.OpenTrades.Dec()

	trade.Status = domain.TradeClosed
	trade.ExitPrice = &exitPrice
	trade.ExitTrigger = &trigger
	trade.RealizedPnl = &pnl
	e.log.Info().Int64("trade_id", trade.TradeID).Str("exit_trigger", trigger).
		Float64("exit_price", exitPrice).Float64("realized_pnl", pnl).Msg("trade closed")
	e.publishTrade(ctx, events.EventTradeClosed, userID, &trade)
	return nil
}

func (e *Executor) publishTrade(ctx context.Context, typ events.EventType, userID int64, trade *domain.Trade) {
	ev := events.New(typ, events.TopicUserBroker, trade).
		ForUserBroker(userID, trade.UserBrokerID).ForSymbol(trade.Symbol)
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.metrics.Degrade.WithLabelValues("event_publish").Inc()
		e.log.Error().Err(err).Str("event", string(typ)).Int64("trade_id", trade.TradeID).
			Msg("event not published")
	}
}
