package candles

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

// minConstituents is the fewest lower-timeframe candles that may form a
// higher-timeframe one. Sparse buckets below this emit nothing.
const minConstituents = 5

// Aggregator derives 25m and 125m candles from closed 1m candles. Buckets
// are anchored at session open. A bucket finalizes either when its last
// constituent slot closes or when a candle from a later bucket arrives.
type Aggregator struct {
	cal     *clockwork.SessionCalendar
	onClose CloseFunc
	state   map[string]*symbolBuckets
	log     zerolog.Logger
}

type accumulator struct {
	bucket       time.Time
	constituents []domain.Candle
}

type symbolBuckets struct {
	m25  accumulator
	m125 accumulator
}

// NewAggregator builds an aggregator emitting through onClose.
func NewAggregator(cal *clockwork.SessionCalendar, onClose CloseFunc, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		cal:     cal,
		onClose: onClose,
		state:   make(map[string]*symbolBuckets),
		log:     log.With().Str("component", "candle_aggregator").Logger(),
	}
}

// OnOneMinute feeds one closed 1m candle through the 25m and, transitively,
// the 125m tier. Runs on the candle close path; not safe for concurrent use.
func (a *Aggregator) OnOneMinute(ctx context.Context, c domain.Candle) {
	sb, ok := a.state[c.Symbol]
	if !ok {
		sb = &symbolBuckets{}
		a.state[c.Symbol] = sb
	}
	a.feed(ctx, &sb.m25, c, domain.TimeframeM25, func(ctx context.Context, c25 domain.Candle) {
		a.onClose(ctx, c25)
		a.feed(ctx, &sb.m125, c25, domain.TimeframeM125, a.onClose)
	})
}

// feed appends one constituent into the accumulator for the target
// timeframe, finalizing completed buckets through emit.
func (a *Aggregator) feed(ctx context.Context, acc *accumulator, c domain.Candle, target domain.Timeframe, emit CloseFunc) {
	bucket := a.cal.BucketStart(c.BucketStart, target)

	if !acc.bucket.IsZero() && !acc.bucket.Equal(bucket) {
		a.finalize(ctx, acc, target, emit)
	}
	acc.bucket = bucket
	acc.constituents = append(acc.constituents, c)

	// The last constituent slot closes the bucket without waiting for the
	// next timeframe period to begin.
	if c.BucketStart.Add(c.Timeframe.Duration()).Equal(bucket.Add(target.Duration())) {
		a.finalize(ctx, acc, target, emit)
	}
}

func (a *Aggregator) finalize(ctx context.Context, acc *accumulator, target domain.Timeframe, emit CloseFunc) {
	defer func() {
		acc.bucket = time.Time{}
		acc.constituents = acc.constituents[:0]
	}()

	if len(acc.constituents) < minConstituents {
		a.log.Debug().
			Str("symbol", acc.constituents[0].Symbol).
			Str("timeframe", target.String()).
			Time("bucket", acc.bucket).
			Int("constituents", len(acc.constituents)).
			Msg("sparse bucket, no candle emitted")
		return
	}

	agg := aggregate(acc.bucket, target, acc.constituents)
	emit(ctx, agg)
}

// aggregate folds constituents into one candle. Constituents arrive in
// bucket order, so open and close fall out of the first and last.
func aggregate(bucket time.Time, target domain.Timeframe, parts []domain.Candle) domain.Candle {
	out := domain.Candle{
		Symbol:      parts[0].Symbol,
		Timeframe:   target,
		BucketStart: bucket,
		Open:        parts[0].Open,
		High:        parts[0].High,
		Low:         parts[0].Low,
		Close:       parts[len(parts)-1].Close,
		State:       domain.CandleClosed,
	}
	for _, p := range parts {
		if p.High > out.High {
			out.High = p.High
		}
		if p.Low < out.Low {
			out.Low = p.Low
		}
		out.Volume += p.Volume
	}
	return out
}
