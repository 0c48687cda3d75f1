package candles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/metrics"
)

type fakeCandleStore struct {
	upserts []domain.Candle
	history map[string][]domain.Candle
	err     error
}

func (s *fakeCandleStore) UpsertCandle(_ context.Context, c domain.Candle) error {
	if s.err != nil {
		return s.err
	}
	s.upserts = append(s.upserts, c)
	return nil
}

func (s *fakeCandleStore) RecentCandles(_ context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.history[symbol], nil
}

func TestWindowCacheTrimsAndOrders(t *testing.T) {
	w := NewWindowCache(3)
	base := istTime(t, 10, 0, 0)

	// Out of order appends still yield an ordered window.
	w.Append(oneMinute("RELIANCE", base.Add(2*time.Minute), 1, 1, 1, 1, 1))
	w.Append(oneMinute("RELIANCE", base, 2, 2, 2, 2, 1))
	w.Append(oneMinute("RELIANCE", base.Add(time.Minute), 3, 3, 3, 3, 1))
	w.Append(oneMinute("RELIANCE", base.Add(3*time.Minute), 4, 4, 4, 4, 1))

	recent := w.Recent("RELIANCE", domain.TimeframeM1, 10)
	require.Len(t, recent, 3, "capacity trims the oldest")
	assert.Equal(t, base.Add(time.Minute), recent[0].BucketStart)
	assert.Equal(t, base.Add(3*time.Minute), recent[2].BucketStart)

	latest, ok := w.Latest("RELIANCE", domain.TimeframeM1)
	require.True(t, ok)
	assert.Equal(t, base.Add(3*time.Minute), latest.BucketStart)
}

func TestWindowCacheReplacesSameBucket(t *testing.T) {
	w := NewWindowCache(10)
	base := istTime(t, 10, 0, 0)

	w.Append(oneMinute("RELIANCE", base, 1, 1, 1, 1, 5))
	w.Append(oneMinute("RELIANCE", base, 2, 2, 2, 2, 9))

	recent := w.Recent("RELIANCE", domain.TimeframeM1, 10)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(9), recent[0].Volume)
}

func TestWindowCacheLatestBefore(t *testing.T) {
	w := NewWindowCache(10)
	day := func(d int) time.Time { return time.Date(2024, 7, d, 0, 0, 0, 0, clockwork.IST) }

	for d := 10; d <= 12; d++ {
		w.Append(domain.Candle{Symbol: "RELIANCE", Timeframe: domain.TimeframeDaily, BucketStart: day(d), Close: float64(d)})
	}

	prev, ok := w.LatestBefore("RELIANCE", domain.TimeframeDaily, day(12))
	require.True(t, ok)
	assert.Equal(t, 11.0, prev.Close)

	_, ok = w.LatestBefore("RELIANCE", domain.TimeframeDaily, day(10))
	assert.False(t, ok)
}

func TestPipelinePersistsCachesAndNotifies(t *testing.T) {
	store := &fakeCandleStore{}
	m := metrics.NewRegistry()
	clock := clockwork.NewFakeClock(istTime(t, 10, 0, 0))
	p := NewPipeline(testCalendar(t), store, nil, NewWindowCache(50), m, zerolog.Nop(), clock)

	var seen []domain.Candle
	p.OnClose(func(_ context.Context, c domain.Candle) { seen = append(seen, c) })

	ctx := context.Background()
	p.HandleTick(ctx, tick("RELIANCE", istTime(t, 10, 0, 5), 502.00, 10))
	p.HandleTick(ctx, tick("RELIANCE", istTime(t, 10, 1, 5), 503.00, 5))

	require.Len(t, store.upserts, 1)
	require.Len(t, seen, 1)
	assert.Equal(t, istTime(t, 10, 0, 0), seen[0].BucketStart)
	assert.Equal(t, 1.0, metrics.CounterValue(m.CandlesClosed.WithLabelValues("1m")))

	cached := p.Cache.Recent("RELIANCE", domain.TimeframeM1, 5)
	require.Len(t, cached, 1)
	assert.Equal(t, 502.00, cached[0].Close)
}

func TestPipelineBroadcastsDespitePersistFailure(t *testing.T) {
	store := &fakeCandleStore{err: errors.New("db down")}
	m := metrics.NewRegistry()
	clock := clockwork.NewFakeClock(istTime(t, 10, 0, 0))
	p := NewPipeline(testCalendar(t), store, nil, NewWindowCache(50), m, zerolog.Nop(), clock)

	var seen []domain.Candle
	p.OnClose(func(_ context.Context, c domain.Candle) { seen = append(seen, c) })

	ctx := context.Background()
	p.HandleTick(ctx, tick("RELIANCE", istTime(t, 10, 0, 5), 502.00, 10))
	p.HandleTick(ctx, tick("RELIANCE", istTime(t, 10, 1, 5), 503.00, 5))

	require.Len(t, seen, 1, "subscribers still get the candle when the database is down")
	assert.Equal(t, 1.0, metrics.CounterValue(m.CandlesPersistFail))
	assert.Len(t, p.Cache.Recent("RELIANCE", domain.TimeframeM1, 5), 1)
}

func TestPipelineWarmupSeedsCache(t *testing.T) {
	base := istTime(t, 9, 15, 0)
	store := &fakeCandleStore{history: map[string][]domain.Candle{
		"RELIANCE": {
			oneMinute("RELIANCE", base, 1, 1, 1, 1, 1),
			oneMinute("RELIANCE", base.Add(time.Minute), 2, 2, 2, 2, 1),
		},
	}}
	m := metrics.NewRegistry()
	clock := clockwork.NewFakeClock(base)
	p := NewPipeline(testCalendar(t), store, nil, NewWindowCache(50), m, zerolog.Nop(), clock)

	require.NoError(t, p.Warmup(context.Background(), []string{"RELIANCE"}, 50))
	assert.Len(t, p.Cache.Recent("RELIANCE", domain.TimeframeM1, 10), 2)
}
