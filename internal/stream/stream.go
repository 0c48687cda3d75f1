package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/metrics"
)

// TickHandler consumes one deduplicated tick. Handlers run on the stream
// loop and must not block; anything slow takes its own queue.
type TickHandler func(ctx context.Context, t domain.Tick)

// Options configures a TickStream.
type Options struct {
	// DedupWindow is the suppression window for repeated ticks.
	DedupWindow time.Duration
	// QueueSize bounds the intake queue between the broker callback and
	// the stream loop.
	QueueSize int
	// PublishTicks forwards accepted ticks onto the global event topic.
	PublishTicks bool
}

// TickStream is the single entry point for market data. The broker feed
// submits raw ticks; the stream deduplicates them and hands survivors to
// the registered handlers in order.
type TickStream struct {
	in       chan domain.Tick
	dedup    *Deduper
	handlers []TickHandler

	bus          events.Bus
	publishTicks bool

	metrics *metrics.Registry
	log     zerolog.Logger
	clock   clockwork.Clock
}

// NewTickStream builds a stream. Handlers are registered with OnTick before
// Run is started.
func NewTickStream(opts Options, bus events.Bus, m *metrics.Registry, log zerolog.Logger, clock clockwork.Clock) *TickStream {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &TickStream{
		in:           make(chan domain.Tick, opts.QueueSize),
		dedup:        NewDeduper(opts.DedupWindow, clock),
		bus:          bus,
		publishTicks: opts.PublishTicks,
		metrics:      m,
		log:          log.With().Str("component", "tick_stream").Logger(),
		clock:        clock,
	}
}

// OnTick registers a handler. Not safe to call once Run has started.
func (s *TickStream) OnTick(h TickHandler) {
	s.handlers = append(s.handlers, h)
}

// Submit enqueues one raw tick without blocking the feed thread. A full
// queue drops the tick and reports false.
func (s *TickStream) Submit(t domain.Tick) bool {
	select {
	case s.in <- t:
		return true
	default:
		s.metrics.Degrade.WithLabelValues("tick_queue_full").Inc()
		return false
	}
}

// Run drains the intake queue until the context is cancelled.
func (s *TickStream) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.in:
			s.process(ctx, t)
		}
	}
}

func (s *TickStream) process(ctx context.Context, t domain.Tick) {
	timer := metrics.NewStepTimer(s.metrics.TickProcessingLatency)
	defer timer.Stop()

	if !t.HasExchangeTimestamp() {
		s.metrics.TicksMissingExchTS.Inc()
	}
	if s.dedup.Seen(t) {
		s.metrics.TicksDuplicate.Inc()
		return
	}
	s.metrics.TicksProcessed.Inc()

	for _, h := range s.handlers {
		h(ctx, t)
	}

	if s.publishTicks && s.bus != nil {
		ev := events.New(events.EventTick, events.TopicGlobal, t).ForSymbol(t.Symbol)
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Debug().Err(err).Str("symbol", t.Symbol).Msg("tick event not published")
		}
	}
}
