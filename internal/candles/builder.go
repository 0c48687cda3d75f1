package candles

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

// CloseFunc receives every candle the moment it closes.
type CloseFunc func(ctx context.Context, c domain.Candle)

// Builder folds ticks into one-minute candles, at most one partial per
// symbol. Ticks drive bucket rollover; a periodic sweep closes partials for
// minutes that ended without a successor tick.
type Builder struct {
	mu       sync.Mutex
	partials map[string]*domain.Candle

	onClose CloseFunc
	clock   clockwork.Clock
	log     zerolog.Logger
}

// NewBuilder builds a one-minute candle builder.
func NewBuilder(onClose CloseFunc, clock clockwork.Clock, log zerolog.Logger) *Builder {
	return &Builder{
		partials: make(map[string]*domain.Candle),
		onClose:  onClose,
		clock:    clock,
		log:      log.With().Str("component", "candle_builder").Logger(),
	}
}

// bucketFor floors a tick to its minute, preferring the exchange timestamp.
func bucketFor(t domain.Tick) time.Time {
	ts := t.ExchangeTimestamp
	if ts.IsZero() {
		ts = t.ReceivedAt
	}
	return ts.Truncate(time.Minute)
}

// Apply folds one tick. A tick in a newer minute closes the running partial
// and opens the next; anything else, including a late tick, merges into the
// running partial.
func (b *Builder) Apply(ctx context.Context, t domain.Tick) {
	bucket := bucketFor(t)

	b.mu.Lock()
	partial, ok := b.partials[t.Symbol]
	if !ok {
		fresh := domain.NewPartialCandle(t.Symbol, domain.TimeframeM1, bucket, t)
		b.partials[t.Symbol] = &fresh
		b.mu.Unlock()
		return
	}
	if bucket.After(partial.BucketStart) {
		closed := *partial
		closed.State = domain.CandleClosed
		fresh := domain.NewPartialCandle(t.Symbol, domain.TimeframeM1, bucket, t)
		b.partials[t.Symbol] = &fresh
		b.mu.Unlock()
		b.onClose(ctx, closed)
		return
	}
	partial.ApplyTick(t)
	b.mu.Unlock()
}

// Sweep closes every partial whose minute has ended. The finalizer loop
// calls it so that silent minutes still produce closed candles.
func (b *Builder) Sweep(ctx context.Context) {
	current := b.clock.Now().Truncate(time.Minute)

	b.mu.Lock()
	var closed []domain.Candle
	for symbol, partial := range b.partials {
		if current.After(partial.BucketStart) {
			c := *partial
			c.State = domain.CandleClosed
			closed = append(closed, c)
			delete(b.partials, symbol)
		}
	}
	b.mu.Unlock()

	for _, c := range closed {
		b.onClose(ctx, c)
	}
}

// Run sweeps every two seconds until the context is cancelled.
func (b *Builder) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Partial returns a copy of the running partial for a symbol, if any.
// The exit monitor uses it for intraminute highs.
func (b *Builder) Partial(symbol string) (domain.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partials[symbol]
	if !ok {
		return domain.Candle{}, false
	}
	return *p, true
}
