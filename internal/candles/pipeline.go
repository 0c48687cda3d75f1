package candles

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

// Store is the persistence boundary for closed candles.
type Store interface {
	UpsertCandle(ctx context.Context, c domain.Candle) error
	RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error)
}

// Pipeline wires builder, aggregator, cache and persistence into the
// tick-to-candle path. Every closed candle, on any timeframe, is persisted,
// cached, broadcast, and handed to the subscribed listeners in that order.
// A failed persist does not stop the broadcast.
type Pipeline struct {
	Builder    *Builder
	Aggregator *Aggregator
	Cache      *WindowCache

	store     Store
	bus       events.Bus
	metrics   *metrics.Registry
	log       zerolog.Logger
	listeners []CloseFunc
}

// NewPipeline assembles the candle path. Store and bus may be nil in tests.
func NewPipeline(cal *clockwork.SessionCalendar, store Store, bus events.Bus, cache *WindowCache, m *metrics.Registry, log zerolog.Logger, clock clockwork.Clock) *Pipeline {
	p := &Pipeline{
		Cache:   cache,
		store:   store,
		bus:     bus,
		metrics: m,
		log:     log.With().Str("component", "candle_pipeline").Logger(),
	}
	p.Aggregator = NewAggregator(cal, p.emit, log)
	p.Builder = NewBuilder(p.onOneMinuteClose, clock, log)
	return p
}

// OnClose registers a listener for every closed candle on every timeframe.
// The evaluator and tests hook in here. Register before ticks flow.
func (p *Pipeline) OnClose(fn CloseFunc) {
	p.listeners = append(p.listeners, fn)
}

// HandleTick is the stream subscriber entry point.
func (p *Pipeline) HandleTick(ctx context.Context, t domain.Tick) {
	p.Builder.Apply(ctx, t)
}

// RunFinalizer drives the builder sweep until cancelled.
func (p *Pipeline) RunFinalizer(ctx context.Context) {
	p.Builder.Run(ctx)
}

func (p *Pipeline) onOneMinuteClose(ctx context.Context, c domain.Candle) {
	p.emit(ctx, c)
	p.Aggregator.OnOneMinute(ctx, c)
}

func (p *Pipeline) emit(ctx context.Context, c domain.Candle) {
	p.metrics.CandlesClosed.WithLabelValues(c.Timeframe.String()).Inc()

	if p.store != nil {
		if err := p.store.UpsertCandle(ctx, c); err != nil {
			p.metrics.CandlesPersistFail.Inc()
			p.log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe.String()).
				Time("bucket", c.BucketStart).
				Msg("closed candle not persisted")
		}
	}

	p.Cache.Append(c)

	if p.bus != nil {
		ev := events.New(events.EventCandleClosed, events.TopicGlobal, c).ForSymbol(c.Symbol)
		if err := p.bus.Publish(ctx, ev); err != nil {
			p.log.Debug().Err(err).Msg("candle event not published")
		}
	}

	for _, fn := range p.listeners {
		fn(ctx, c)
	}
}

// Warmup seeds the window cache from the store for the given symbols so the
// evaluator has windows before live candles accumulate.
func (p *Pipeline) Warmup(ctx context.Context, symbols []string, depth int) error {
	if p.store == nil {
		return nil
	}
	for _, symbol := range symbols {
		for _, tf := range []domain.Timeframe{domain.TimeframeM1, domain.TimeframeM25, domain.TimeframeM125, domain.TimeframeDaily} {
			history, err := p.store.RecentCandles(ctx, symbol, tf, depth)
			if err != nil {
				return err
			}
			p.Cache.Seed(symbol, tf, history)
		}
	}
	return nil
}
