package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/broker/paper"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

type fakeTradeStore struct {
	mu        sync.Mutex
	nextID    int64
	byIntent  map[string]*domain.Trade
	byID      map[int64]*domain.Trade
	createErr error
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{
		byIntent: make(map[string]*domain.Trade),
		byID:     make(map[int64]*domain.Trade),
	}
}

func (f *fakeTradeStore) Create(ctx context.Context, t *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if existing, ok := f.byIntent[t.IntentID]; ok {
		*t = *existing
		return nil
	}
	f.nextID++
	t.TradeID = f.nextID
	t.Version = 1
	stored := *t
	f.byIntent[t.IntentID] = &stored
	f.byID[t.TradeID] = &stored
	return nil
}

func (f *fakeTradeStore) MarkPending(ctx context.Context, tradeID int64, brokerOrderID string, at time.Time) error {
	return f.transition(tradeID, domain.TradeCreated, domain.TradePending, func(t *domain.Trade) {
		t.BrokerOrderID = &brokerOrderID
		t.LastBrokerUpdateAt = at
	})
}

func (f *fakeTradeStore) MarkRejected(ctx context.Context, tradeID int64, from domain.TradeStatus, reason string, at time.Time) error {
	return f.transition(tradeID, from, domain.TradeRejected, func(t *domain.Trade) {
		t.RejectReason = &reason
	})
}

func (f *fakeTradeStore) Close(ctx context.Context, tradeID int64, exitPrice float64, trigger string, pnl float64, at time.Time) error {
	return f.transition(tradeID, domain.TradeOpen, domain.TradeClosed, func(t *domain.Trade) {
		t.ExitPrice = &exitPrice
		t.ExitTrigger = &trigger
		t.RealizedPnl = &pnl
	})
}

func (f *fakeTradeStore) transition(tradeID int64, from, to domain.TradeStatus, apply func(*domain.Trade)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[tradeID]
	if !ok {
		return fmt.Errorf("trade %d: %w", tradeID, domain.ErrNotFound)
	}
	if t.Status != from {
		return &domain.StateMachineError{TradeID: tradeID, From: t.Status, To: to}
	}
	t.Status = to
	t.Version++
	apply(t)
	return nil
}

func (f *fakeTradeStore) seed(t domain.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := t
	f.byIntent[t.IntentID] = &stored
	f.byID[t.TradeID] = &stored
}

func (f *fakeTradeStore) get(tradeID int64) domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[tradeID]
}

func (f *fakeTradeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeExitStore struct {
	mu     sync.Mutex
	status map[string]domain.ExitIntentStatus
	seen   []domain.ExitIntentStatus
}

func newFakeExitStore() *fakeExitStore {
	return &fakeExitStore{status: make(map[string]domain.ExitIntentStatus)}
}

func (f *fakeExitStore) UpdateExitStatus(ctx context.Context, exitIntentID string, status domain.ExitIntentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[exitIntentID] = status
	f.seen = append(f.seen, status)
	return nil
}

func (f *fakeExitStore) get(exitIntentID string) domain.ExitIntentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[exitIntentID]
}

func (f *fakeExitStore) sequence() []domain.ExitIntentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ExitIntentStatus(nil), f.seen...)
}

type paperSource struct{ order broker.OrderBroker }

func (s *paperSource) Resolve(ctx context.Context, userBrokerID int64) (broker.DataBroker, broker.OrderBroker, error) {
	return nil, s.order, nil
}

type failingSource struct{ err error }

func (s *failingSource) Resolve(ctx context.Context, userBrokerID int64) (broker.DataBroker, broker.OrderBroker, error) {
	return nil, nil, s.err
}

type harness struct {
	exec   *Executor
	trades *fakeTradeStore
	exits  *fakeExitStore
	paper  *paper.Broker
	sub    *events.Subscription
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock(time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC))
	m := metrics.NewRegistry()
	bus := events.NewMemoryBus(events.BusOptions{}, m, zerolog.Nop())
	t.Cleanup(bus.Close)
	sub, err := bus.Subscribe(events.TopicUserBroker, nil, 16)
	require.NoError(t, err)

	trades := newFakeTradeStore()
	exits := newFakeExitStore()
	pb := paper.NewBroker(clock)
	exec := New(trades, exits, &paperSource{order: pb}, bus, clock, m, zerolog.Nop())
	return &harness{exec: exec, trades: trades, exits: exits, paper: pb, sub: sub, clock: clock}
}

// collectEvents drains whatever the bus delivered. Call after exec.Close so
// every queued submission has finished publishing.
func (h *harness) collectEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func entryRequest() Entry {
	return Entry{
		Intent: domain.TradeIntent{
			IntentID:     "intent-42-11",
			SignalID:     11,
			UserBrokerID: 42,
			ApprovedQty:  100,
			LimitPrice:   502.00,
			ProductType:  "CNC",
			Status:       domain.IntentApproved,
		},
		UserID:      7,
		BrokerCode:  "paper",
		Symbol:      "RELIANCE",
		TradeType:   domain.TradeTypeNewBuy,
		TargetPrice: 510.00,
		StopPrice:   497.00,
	}
}

func openTrade() domain.Trade {
	return domain.Trade{
		TradeID:         9,
		IntentID:        "intent-42-11",
		ClientOrderID:   "intent-42-11",
		UserBrokerID:    42,
		Symbol:          "RELIANCE",
		EntryQty:        100,
		EntryPrice:      502.00,
		Status:          domain.TradeOpen,
		TradeType:       domain.TradeTypeNewBuy,
		ExitTargetPrice: 510.00,
		ExitStopPrice:   497.00,
		Version:         4,
	}
}

func exitRequest(tr domain.Trade) Exit {
	return Exit{
		Trade: tr,
		Intent: domain.ExitIntent{
			ExitIntentID: "exit-9-1",
			TradeID:      tr.TradeID,
			UserBrokerID: tr.UserBrokerID,
			ExitReason:   domain.ExitTargetHit,
			EpisodeID:    "ep-1",
			Status:       domain.ExitIntentApproved,
		},
		UserID:      7,
		BrokerCode:  "paper",
		LimitPrice:  510.00,
		ProductType: "CNC",
	}
}

func TestEntryAcceptedMarksPending(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.SubmitEntry(entryRequest()))
	h.exec.Close()

	tr := h.trades.get(1)
	assert.Equal(t, domain.TradePending, tr.Status)
	assert.Equal(t, "intent-42-11", tr.ClientOrderID)
	require.NotNil(t, tr.BrokerOrderID)
	assert.Equal(t, "P-000001", *tr.BrokerOrderID)
	assert.Equal(t, 510.00, tr.ExitTargetPrice)
	assert.Equal(t, 497.00, tr.ExitStopPrice)

	evs := h.collectEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventOrderPlaced, evs[0].Type)
	assert.Equal(t, int64(7), evs[0].UserID)
	assert.Equal(t, int64(42), evs[0].UserBrokerID)
	assert.Equal(t, "RELIANCE", evs[0].Symbol)
}

func TestEntrySyncRejectMarksRejected(t *testing.T) {
	h := newHarness(t)
	h.paper.RejectNext("RMS: insufficient margin")
	require.NoError(t, h.exec.SubmitEntry(entryRequest()))
	h.exec.Close()

	tr := h.trades.get(1)
	assert.Equal(t, domain.TradeRejected, tr.Status)
	require.NotNil(t, tr.RejectReason)
	assert.Equal(t, "RMS: insufficient margin", *tr.RejectReason)

	evs := h.collectEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventOrderRejected, evs[0].Type)
}

func TestEntryTransportErrorRejectsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.paper.FailNext(errors.New("dial tcp: connection refused"))
	require.NoError(t, h.exec.SubmitEntry(entryRequest()))
	h.exec.Close()

	tr := h.trades.get(1)
	assert.Equal(t, domain.TradeRejected, tr.Status)
	require.NotNil(t, tr.RejectReason)
	assert.True(t, strings.HasPrefix(*tr.RejectReason, "transport: "))
	// The failed call was not repeated: the broker never saw an order.
	assert.Equal(t, 0, h.paper.OrderCount())
}

func TestEntryAdapterFailureRejects(t *testing.T) {
	clock := clockwork.NewFakeClock(time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC))
	m := metrics.NewRegistry()
	bus := events.NewMemoryBus(events.BusOptions{}, m, zerolog.Nop())
	t.Cleanup(bus.Close)
	trades := newFakeTradeStore()
	exec := New(trades, newFakeExitStore(), &failingSource{err: broker.ErrNoSession}, bus, clock, m, zerolog.Nop())

	require.NoError(t, exec.SubmitEntry(entryRequest()))
	exec.Close()

	tr := trades.get(1)
	assert.Equal(t, domain.TradeRejected, tr.Status)
	require.NotNil(t, tr.RejectReason)
	assert.True(t, strings.HasPrefix(*tr.RejectReason, "adapter: "))
}

func TestEntryReplaySkipsPlacement(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.SubmitEntry(entryRequest()))
	require.NoError(t, h.exec.SubmitEntry(entryRequest()))
	h.exec.Close()

	assert.Equal(t, 1, h.trades.count())
	assert.Equal(t, 1, h.paper.OrderCount())
	evs := h.collectEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventOrderPlaced, evs[0].Type)
}

func TestEntriesForOneAccountPlaceInOrder(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		req := entryRequest()
		req.Intent.IntentID = fmt.Sprintf("intent-42-%d", i+1)
		req.Intent.SignalID = int64(i + 1)
		require.NoError(t, h.exec.SubmitEntry(req))
	}
	h.exec.Close()

	// Paper broker ids are sequential, so submission order is visible in
	// the broker order ids.
	for i := int64(1); i <= 3; i++ {
		tr := h.trades.get(i)
		require.NotNil(t, tr.BrokerOrderID)
		assert.Equal(t, fmt.Sprintf("P-%06d", i), *tr.BrokerOrderID)
	}
}

func TestExitFillClosesTrade(t *testing.T) {
	h := newHarness(t)
	h.trades.seed(openTrade())
	h.paper.SetAutoFill(true)

	require.NoError(t, h.exec.SubmitExit(exitRequest(openTrade())))
	h.exec.Close()

	tr := h.trades.get(9)
	assert.Equal(t, domain.TradeClosed, tr.Status)
	require.NotNil(t, tr.ExitPrice)
	assert.Equal(t, 510.00, *tr.ExitPrice)
	require.NotNil(t, tr.ExitTrigger)
	assert.Equal(t, "TARGET_HIT", *tr.ExitTrigger)
	require.NotNil(t, tr.RealizedPnl)
	assert.Equal(t, 800.00, *tr.RealizedPnl)

	assert.Equal(t, []domain.ExitIntentStatus{domain.ExitIntentPlaced, domain.ExitIntentFilled}, h.exits.sequence())

	evs := h.collectEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventTradeClosed, evs[0].Type)
}

func TestExitRejectedLeavesTradeOpen(t *testing.T) {
	h := newHarness(t)
	h.trades.seed(openTrade())
	h.paper.RejectNext("RMS: scrip blocked")

	require.NoError(t, h.exec.SubmitExit(exitRequest(openTrade())))
	h.exec.Close()

	assert.Equal(t, domain.TradeOpen, h.trades.get(9).Status)
	assert.Equal(t, domain.ExitIntentFailed, h.exits.get("exit-9-1"))

	evs := h.collectEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventOrderRejected, evs[0].Type)
}

func TestExitUnfilledStaysPlacedUntilSweep(t *testing.T) {
	h := newHarness(t)
	h.trades.seed(openTrade())

	require.NoError(t, h.exec.SubmitExit(exitRequest(openTrade())))
	h.exec.Close()

	// The order rests at the venue: trade stays OPEN, intent stays PLACED.
	assert.Equal(t, domain.TradeOpen, h.trades.get(9).Status)
	assert.Equal(t, domain.ExitIntentPlaced, h.exits.get("exit-9-1"))
	assert.Empty(t, h.collectEvents())

	// The broker later fills above the limit; the sweep path applies it.
	require.NoError(t, h.paper.Fill("exit-9-1", 100, 510.05))
	st, err := h.paper.OrderStatus(context.Background(), "", "exit-9-1")
	require.NoError(t, err)
	require.Equal(t, broker.StateComplete, st.Status)

	req := exitRequest(openTrade())
	require.NoError(t, h.exec.ConfirmExitFill(context.Background(), req.Trade, req.Intent, req.UserID, st))

	tr := h.trades.get(9)
	assert.Equal(t, domain.TradeClosed, tr.Status)
	require.NotNil(t, tr.ExitPrice)
	assert.Equal(t, 510.05, *tr.ExitPrice)
	require.NotNil(t, tr.RealizedPnl)
	assert.Equal(t, 805.00, *tr.RealizedPnl)
}

func TestConfirmExitFillSecondObservationIsDropped(t *testing.T) {
	h := newHarness(t)
	h.trades.seed(openTrade())
	req := exitRequest(openTrade())
	st := broker.OrderStatus{Status: broker.StateComplete, FilledQty: 100, AvgFillPrice: 510.05, Timestamp: h.clock.Now()}

	require.NoError(t, h.exec.ConfirmExitFill(context.Background(), req.Trade, req.Intent, req.UserID, st))
	require.NoError(t, h.exec.ConfirmExitFill(context.Background(), req.Trade, req.Intent, req.UserID, st))

	assert.Equal(t, domain.TradeClosed, h.trades.get(9).Status)
	evs := h.collectEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventTradeClosed, evs[0].Type)
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t)
	h.exec.Close()
	assert.ErrorIs(t, h.exec.SubmitEntry(entryRequest()), ErrClosed)
	assert.ErrorIs(t, h.exec.SubmitExit(exitRequest(openTrade())), ErrClosed)
}
