package confluence

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/candles"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

// SignalStore is the persistence boundary for signals. Insert reports false
// when the dedup tuple already existed; the store refreshes lastCheckedAt in
// that case and fills the existing row's ID into s.
type SignalStore interface {
	InsertSignal(ctx context.Context, s *domain.Signal) (inserted bool, err error)
}

// Config bounds the evaluator.
type Config struct {
	WindowHTF int
	WindowITF int
	WindowLTF int
	// ZoneFraction is the bottom share of the range that counts as the
	// buy zone.
	ZoneFraction float64
	// PWin is the assumed win probability pending an empirical estimator.
	PWin        float64
	PayoffRatio float64
	// MovementGatePct throttles re-analysis until price moved this much.
	MovementGatePct float64
	// ReanalysisInterval lets analysis through regardless of movement.
	ReanalysisInterval time.Duration
	// CloseSuppression quiets the emitter this long before session close.
	CloseSuppression time.Duration
}

type analysisMark struct {
	price float64
	at    time.Time
}

// Evaluator turns closed one-minute candles into published signals. One
// instance serves all symbols; state is per symbol.
type Evaluator struct {
	cfg     Config
	windows *candles.WindowCache
	store   SignalStore
	bus     events.Bus
	cal     *clockwork.SessionCalendar
	clock   clockwork.Clock
	metrics *metrics.Registry
	log     zerolog.Logger

	mu   sync.Mutex
	last map[string]analysisMark
}

// NewEvaluator wires an evaluator over the shared candle windows.
func NewEvaluator(cfg Config, windows *candles.WindowCache, store SignalStore, bus events.Bus, cal *clockwork.SessionCalendar, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		cfg:     cfg,
		windows: windows,
		store:   store,
		bus:     bus,
		cal:     cal,
		clock:   clock,
		metrics: m,
		log:     log.With().Str("component", "confluence").Logger(),
		last:    make(map[string]analysisMark),
	}
}

// OnCandleClose is the pipeline listener. Only the one-minute timeframe
// triggers evaluation.
func (e *Evaluator) OnCandleClose(ctx context.Context, c domain.Candle) {
	if c.Timeframe != domain.TimeframeM1 {
		return
	}
	e.Evaluate(ctx, c.Symbol, c.Close)
}

// Evaluate runs one assessment for a symbol at the given price. It returns
// the published signal, or nil when nothing was emitted.
func (e *Evaluator) Evaluate(ctx context.Context, symbol string, price float64) *domain.Signal {
	now := e.clock.Now()

	if e.cal.InCloseWindow(now, e.cfg.CloseSuppression) {
		e.log.Debug().Str("symbol", symbol).Msg("close window, signal emission suppressed")
		return nil
	}
	if !e.passMovementGate(symbol, price, now) {
		return nil
	}

	htf := e.windows.Recent(symbol, domain.TimeframeM125, e.cfg.WindowHTF)
	itf := e.windows.Recent(symbol, domain.TimeframeM25, e.cfg.WindowITF)
	ltf := e.windows.Recent(symbol, domain.TimeframeM1, e.cfg.WindowLTF)
	if len(htf) < e.cfg.WindowHTF || len(itf) < e.cfg.WindowITF || len(ltf) < e.cfg.WindowLTF {
		e.log.Debug().
			Str("symbol", symbol).
			Int("htf", len(htf)).Int("itf", len(itf)).Int("ltf", len(ltf)).
			Msg("timeframe windows not ready")
		return nil
	}

	a := Assess(htf, itf, ltf, e.cfg.ZoneFraction, price)
	if !a.InAnyZone() || a.Strength == domain.StrengthWeak {
		return nil
	}

	floor, ceiling := a.EntryRange()
	sig := &domain.Signal{
		Symbol:           symbol,
		Direction:        domain.DirectionBuy,
		GeneratedAt:      now,
		SignalDay:        e.cal.TradingDay(now),
		ConfluenceType:   a.ConfluenceType,
		CompositeScore:   a.Score,
		Strength:         a.Strength,
		EffectiveFloor:   floor,
		EffectiveCeiling: ceiling,
		EntryLow:         floor,
		EntryHigh:        ceiling,
		RefPrice:         domain.Round2(price),
		PWin:             e.cfg.PWin,
		Kelly:            RawKelly(e.cfg.PWin, e.cfg.PayoffRatio),
		Status:           domain.SignalPublished,
		LastCheckedAt:    now,
	}

	inserted, err := e.store.InsertSignal(ctx, sig)
	if err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("signal insert failed")
		return nil
	}
	if !inserted {
		// Same zone geometry seen again today; the store refreshed
		// lastCheckedAt and nothing new is published.
		return nil
	}

	e.metrics.SignalsGenerated.WithLabelValues(string(a.ConfluenceType)).Inc()
	e.log.Info().
		Str("symbol", symbol).
		Str("confluence", string(a.ConfluenceType)).
		Str("strength", string(a.Strength)).
		Float64("score", a.Score).
		Float64("floor", floor).
		Float64("ceiling", ceiling).
		Msg("signal published")

	if e.bus != nil {
		ev := events.New(events.EventSignalPublished, events.TopicGlobal, sig).ForSymbol(symbol)
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("signal event not published")
		}
	}
	return sig
}

// passMovementGate admits analysis when price moved enough since the last
// pass or when the reanalysis interval elapsed. The mark updates only when
// analysis is admitted, so a slow drift cannot creep under the gate.
func (e *Evaluator) passMovementGate(symbol string, price float64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	mark, ok := e.last[symbol]
	if ok && mark.price > 0 {
		moved := math.Abs(price-mark.price) / mark.price * 100
		if moved < e.cfg.MovementGatePct && now.Sub(mark.at) < e.cfg.ReanalysisInterval {
			return false
		}
	}
	e.last[symbol] = analysisMark{price: price, at: now}
	return true
}
