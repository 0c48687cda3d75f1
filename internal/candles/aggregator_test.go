package candles

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

func testCalendar(t *testing.T) *clockwork.SessionCalendar {
	t.Helper()
	return clockwork.NewSessionCalendar(clockwork.DefaultCalendarConfig())
}

func oneMinute(symbol string, start time.Time, open, high, low, close float64, vol int64) domain.Candle {
	return domain.Candle{
		Symbol:      symbol,
		Timeframe:   domain.TimeframeM1,
		BucketStart: start,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close,
		Volume:      vol,
		State:       domain.CandleClosed,
	}
}

func TestAggregatorEmitsFullBucket(t *testing.T) {
	var got closeCollector
	agg := NewAggregator(testCalendar(t), got.collect, zerolog.Nop())
	ctx := context.Background()

	// 25 one-minute candles spanning one 25m bucket from open.
	start := istTime(t, 9, 15, 0)
	for i := 0; i < 25; i++ {
		c := oneMinute("RELIANCE", start.Add(time.Duration(i)*time.Minute),
			95+float64(i), 100+float64(i), 90-float64(i), 96+float64(i), 10)
		agg.OnOneMinute(ctx, c)
	}

	require.Len(t, got.candles, 1)
	c25 := got.candles[0]
	assert.Equal(t, domain.TimeframeM25, c25.Timeframe)
	assert.Equal(t, start, c25.BucketStart)
	assert.Equal(t, 95.0, c25.Open)
	assert.Equal(t, 96.0+24, c25.Close)
	assert.Equal(t, 100.0+24, c25.High)
	assert.Equal(t, 90.0-24, c25.Low)
	assert.Equal(t, int64(250), c25.Volume)
	assert.Equal(t, domain.CandleClosed, c25.State)
}

func TestAggregatorEmitsOnLastSlotWithoutRollover(t *testing.T) {
	var got closeCollector
	agg := NewAggregator(testCalendar(t), got.collect, zerolog.Nop())
	ctx := context.Background()

	// The candle at 9:39 is the final minute of the 9:15 bucket, so the
	// 25m candle must close immediately, not when 9:40 traffic arrives.
	start := istTime(t, 9, 15, 0)
	for i := 20; i < 25; i++ {
		agg.OnOneMinute(ctx, oneMinute("RELIANCE", start.Add(time.Duration(i)*time.Minute), 500, 501, 499, 500, 10))
	}

	require.Len(t, got.candles, 1)
	assert.Equal(t, start, got.candles[0].BucketStart)
}

func TestAggregatorSkipsSparseBucket(t *testing.T) {
	var got closeCollector
	agg := NewAggregator(testCalendar(t), got.collect, zerolog.Nop())
	ctx := context.Background()

	// Four constituents only, then the next bucket begins.
	start := istTime(t, 9, 15, 0)
	for i := 0; i < 4; i++ {
		agg.OnOneMinute(ctx, oneMinute("RELIANCE", start.Add(time.Duration(i)*time.Minute), 500, 501, 499, 500, 10))
	}
	agg.OnOneMinute(ctx, oneMinute("RELIANCE", istTime(t, 9, 40, 0), 500, 501, 499, 500, 10))

	assert.Empty(t, got.candles, "a bucket with fewer than five constituents emits nothing")
}

func TestAggregatorFinalizesOnRollover(t *testing.T) {
	var got closeCollector
	agg := NewAggregator(testCalendar(t), got.collect, zerolog.Nop())
	ctx := context.Background()

	// Five scattered minutes of a gappy bucket, none of them the final
	// slot. The bucket closes retroactively when 9:40 traffic arrives.
	start := istTime(t, 9, 15, 0)
	for _, offset := range []int{0, 3, 7, 12, 18} {
		agg.OnOneMinute(ctx, oneMinute("RELIANCE", start.Add(time.Duration(offset)*time.Minute), 500, 501, 499, 500, 10))
	}
	require.Empty(t, got.candles)

	agg.OnOneMinute(ctx, oneMinute("RELIANCE", istTime(t, 9, 40, 0), 500, 501, 499, 500, 10))
	require.Len(t, got.candles, 1)
	assert.Equal(t, start, got.candles[0].BucketStart)
	assert.Equal(t, int64(50), got.candles[0].Volume)
}

func TestAggregatorBuildsHigherTimeframe(t *testing.T) {
	var got closeCollector
	agg := NewAggregator(testCalendar(t), got.collect, zerolog.Nop())
	ctx := context.Background()

	// Five full 25m buckets fill the 9:15 125m bucket.
	start := istTime(t, 9, 15, 0)
	for i := 0; i < 125; i++ {
		agg.OnOneMinute(ctx, oneMinute("RELIANCE", start.Add(time.Duration(i)*time.Minute), 500, 500+float64(i), 500-float64(i), 500, 1))
	}

	var m25, m125 []domain.Candle
	for _, c := range got.candles {
		switch c.Timeframe {
		case domain.TimeframeM25:
			m25 = append(m25, c)
		case domain.TimeframeM125:
			m125 = append(m125, c)
		}
	}
	require.Len(t, m25, 5)
	require.Len(t, m125, 1)

	c125 := m125[0]
	assert.Equal(t, start, c125.BucketStart)
	assert.Equal(t, 500.0+124, c125.High)
	assert.Equal(t, 500.0-124, c125.Low)
	assert.Equal(t, int64(125), c125.Volume)

	// Ordering: every 25m candle emits before the 125m it completes.
	lastIdx := -1
	for i, c := range got.candles {
		if c.Timeframe == domain.TimeframeM25 {
			lastIdx = i
		}
	}
	assert.Less(t, lastIdx, len(got.candles)-1)
	assert.Equal(t, domain.TimeframeM125, got.candles[len(got.candles)-1].Timeframe)
}

func TestAggregatorMissing25mBlocks125m(t *testing.T) {
	var got closeCollector
	agg := NewAggregator(testCalendar(t), got.collect, zerolog.Nop())
	ctx := context.Background()

	start := istTime(t, 9, 15, 0)
	for i := 0; i < 125; i++ {
		// Starve the second 25m bucket (minutes 25..49) below the
		// constituent floor.
		if i >= 25 && i < 46 {
			continue
		}
		agg.OnOneMinute(ctx, oneMinute("RELIANCE", start.Add(time.Duration(i)*time.Minute), 500, 501, 499, 500, 1))
	}

	var m25, m125 int
	for _, c := range got.candles {
		switch c.Timeframe {
		case domain.TimeframeM25:
			m25++
		case domain.TimeframeM125:
			m125++
		}
	}
	assert.Equal(t, 4, m25, "starved bucket emits no 25m candle")
	assert.Zero(t, m125, "incomplete 125m bucket emits nothing")
}
