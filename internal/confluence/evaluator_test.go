package confluence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/candles"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

type fakeSignalStore struct {
	attempts int
	signals  []*domain.Signal
	conflict bool
	err      error
}

func (s *fakeSignalStore) InsertSignal(_ context.Context, sig *domain.Signal) (bool, error) {
	s.attempts++
	if s.err != nil {
		return false, s.err
	}
	if s.conflict {
		return false, nil
	}
	sig.SignalID = int64(len(s.signals) + 1)
	s.signals = append(s.signals, sig)
	return true, nil
}

type evalFixture struct {
	eval    *Evaluator
	store   *fakeSignalStore
	windows *candles.WindowCache
	clock   *clockwork.FakeClock
	metrics *metrics.Registry
	bus     *events.MemoryBus
	sub     *events.Subscription
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()
	cfg := Config{
		WindowHTF:          3,
		WindowITF:          3,
		WindowLTF:          3,
		ZoneFraction:       0.35,
		PWin:               0.65,
		PayoffRatio:        1.8,
		MovementGatePct:    0.3,
		ReanalysisInterval: 60 * time.Second,
		CloseSuppression:   60 * time.Second,
	}
	f := &evalFixture{
		store:   &fakeSignalStore{},
		windows: candles.NewWindowCache(50),
		clock:   clockwork.NewFakeClock(time.Date(2024, 7, 15, 10, 0, 0, 0, clockwork.IST)),
		metrics: metrics.NewRegistry(),
	}
	f.bus = events.NewMemoryBus(events.BusOptions{}, f.metrics, zerolog.Nop())
	t.Cleanup(f.bus.Close)
	sub, err := f.bus.Subscribe(events.TopicGlobal, nil, 8)
	require.NoError(t, err)
	f.sub = sub

	cal := clockwork.NewSessionCalendar(clockwork.DefaultCalendarConfig())
	f.eval = NewEvaluator(cfg, f.windows, f.store, f.bus, cal, f.clock, f.metrics, zerolog.Nop())
	return f
}

func (f *evalFixture) seed(tf domain.Timeframe, low, high float64) {
	for _, c := range window(tf, low, high, 3) {
		f.windows.Append(c)
	}
}

func (f *evalFixture) seedAllInZone() {
	f.seed(domain.TimeframeM125, 100, 200) // zone [100, 135]
	f.seed(domain.TimeframeM25, 105, 160)  // zone [105, 124.25]
	f.seed(domain.TimeframeM1, 110, 130)   // zone [110, 117]
}

func TestEvaluatorPublishesTripleConfluence(t *testing.T) {
	f := newEvalFixture(t)
	f.seedAllInZone()

	sig := f.eval.Evaluate(context.Background(), "RELIANCE", 112)
	require.NotNil(t, sig)

	assert.Equal(t, domain.ConfluenceTriple, sig.ConfluenceType)
	assert.Equal(t, domain.StrengthVeryStrong, sig.Strength)
	assert.InDelta(t, 1.00, sig.CompositeScore, 0.001)
	assert.Equal(t, 110.0, sig.EffectiveFloor)
	assert.Equal(t, 117.0, sig.EffectiveCeiling)
	assert.Equal(t, 112.0, sig.RefPrice)
	assert.Equal(t, 0.65, sig.PWin)
	assert.InDelta(t, 0.4556, sig.Kelly, 0.0001)
	assert.Equal(t, time.Date(2024, 7, 15, 0, 0, 0, 0, clockwork.IST), sig.SignalDay)
	assert.Equal(t, domain.SignalPublished, sig.Status)

	assert.Equal(t, 1.0, metrics.CounterValue(f.metrics.SignalsGenerated.WithLabelValues("TRIPLE")))

	select {
	case ev := <-f.sub.C:
		assert.Equal(t, events.EventSignalPublished, ev.Type)
		assert.Equal(t, "RELIANCE", ev.Symbol)
	default:
		t.Fatal("signal event must reach the global topic")
	}
}

func TestEvaluatorSuppressesWeak(t *testing.T) {
	f := newEvalFixture(t)
	// Only the one-minute zone contains price.
	f.seed(domain.TimeframeM125, 150, 250)
	f.seed(domain.TimeframeM25, 150, 250)
	f.seed(domain.TimeframeM1, 100, 120) // zone [100, 107]

	sig := f.eval.Evaluate(context.Background(), "RELIANCE", 105)
	assert.Nil(t, sig)
	assert.Zero(t, f.store.attempts, "weak signals never reach the store")
}

func TestEvaluatorRequiresReadyWindows(t *testing.T) {
	f := newEvalFixture(t)
	f.seed(domain.TimeframeM125, 100, 200)
	f.seed(domain.TimeframeM25, 105, 160)
	// One-minute window has only two of the three required candles.
	for _, c := range window(domain.TimeframeM1, 110, 130, 2) {
		f.windows.Append(c)
	}

	sig := f.eval.Evaluate(context.Background(), "RELIANCE", 112)
	assert.Nil(t, sig)
	assert.Zero(t, f.store.attempts)
}

func TestEvaluatorSuppressesNearClose(t *testing.T) {
	f := newEvalFixture(t)
	f.seedAllInZone()
	f.clock.Set(time.Date(2024, 7, 15, 15, 29, 30, 0, clockwork.IST))

	sig := f.eval.Evaluate(context.Background(), "RELIANCE", 112)
	assert.Nil(t, sig)
	assert.Zero(t, f.store.attempts)
}

func TestMovementGateThrottlesReanalysis(t *testing.T) {
	f := newEvalFixture(t)
	f.seedAllInZone()
	ctx := context.Background()

	require.NotNil(t, f.eval.Evaluate(ctx, "RELIANCE", 112))
	require.Equal(t, 1, f.store.attempts)

	// 0.089% move within the interval: gated before any store work.
	assert.Nil(t, f.eval.Evaluate(ctx, "RELIANCE", 112.10))
	assert.Equal(t, 1, f.store.attempts)

	// A 0.45% move passes the gate immediately.
	assert.NotNil(t, f.eval.Evaluate(ctx, "RELIANCE", 112.61))
	assert.Equal(t, 2, f.store.attempts)
}

func TestMovementGateTimeEscape(t *testing.T) {
	f := newEvalFixture(t)
	f.seedAllInZone()
	ctx := context.Background()

	require.NotNil(t, f.eval.Evaluate(ctx, "RELIANCE", 112))

	f.clock.Advance(61 * time.Second)
	f.store.conflict = true
	sig := f.eval.Evaluate(ctx, "RELIANCE", 112.05)
	assert.Nil(t, sig, "conflicting tuple refreshes, not republishes")
	assert.Equal(t, 2, f.store.attempts, "elapsed interval readmits analysis")
}

func TestDuplicateTupleDoesNotReemit(t *testing.T) {
	f := newEvalFixture(t)
	f.seedAllInZone()
	ctx := context.Background()

	require.NotNil(t, f.eval.Evaluate(ctx, "RELIANCE", 112))
	<-f.sub.C

	f.store.conflict = true
	f.clock.Advance(2 * time.Minute)
	assert.Nil(t, f.eval.Evaluate(ctx, "RELIANCE", 112))

	select {
	case <-f.sub.C:
		t.Fatal("duplicate signal must not be republished")
	default:
	}
	assert.Equal(t, 1.0, metrics.CounterValue(f.metrics.SignalsGenerated.WithLabelValues("TRIPLE")))
}

func TestOnCandleCloseIgnoresHigherTimeframes(t *testing.T) {
	f := newEvalFixture(t)
	f.seedAllInZone()

	c := window(domain.TimeframeM25, 105, 160, 1)[0]
	c.Close = 112
	f.eval.OnCandleClose(context.Background(), c)
	assert.Zero(t, f.store.attempts, "only one-minute closes trigger evaluation")

	c1 := window(domain.TimeframeM1, 110, 130, 1)[0]
	c1.Close = 112
	f.eval.OnCandleClose(context.Background(), c1)
	assert.Equal(t, 1, f.store.attempts)
}
