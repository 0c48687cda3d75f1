package candles

import (
	"sort"
	"sync"
	"time"

	"github.com/triframe/triframe/internal/domain"
)

type windowKey struct {
	symbol string
	tf     domain.Timeframe
}

// WindowCache keeps the most recent closed candles per symbol and timeframe
// so the evaluator reads windows without touching the database. The close
// path appends; warmup seeds from history.
type WindowCache struct {
	mu       sync.RWMutex
	capacity int
	data     map[windowKey][]domain.Candle
}

// NewWindowCache builds a cache keeping up to capacity candles per series.
func NewWindowCache(capacity int) *WindowCache {
	if capacity <= 0 {
		capacity = 200
	}
	return &WindowCache{
		capacity: capacity,
		data:     make(map[windowKey][]domain.Candle),
	}
}

// Append inserts one closed candle, replacing any candle already held for
// the same bucket and trimming the series to capacity.
func (w *WindowCache) Append(c domain.Candle) {
	key := windowKey{symbol: c.Symbol, tf: c.Timeframe}

	w.mu.Lock()
	defer w.mu.Unlock()
	series := w.data[key]
	for i := range series {
		if series[i].BucketStart.Equal(c.BucketStart) {
			series[i] = c
			return
		}
	}
	series = append(series, c)
	sort.Slice(series, func(i, j int) bool {
		return series[i].BucketStart.Before(series[j].BucketStart)
	})
	if len(series) > w.capacity {
		series = series[len(series)-w.capacity:]
	}
	w.data[key] = series
}

// Seed loads historical candles for one series, oldest first.
func (w *WindowCache) Seed(symbol string, tf domain.Timeframe, history []domain.Candle) {
	for _, c := range history {
		w.Append(c)
	}
}

// Recent returns up to n most recent candles, oldest first. The slice is a
// copy.
func (w *WindowCache) Recent(symbol string, tf domain.Timeframe, n int) []domain.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	series := w.data[windowKey{symbol: symbol, tf: tf}]
	if len(series) > n {
		series = series[len(series)-n:]
	}
	out := make([]domain.Candle, len(series))
	copy(out, series)
	return out
}

// Latest returns the most recent candle for a series, if any.
func (w *WindowCache) Latest(symbol string, tf domain.Timeframe) (domain.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	series := w.data[windowKey{symbol: symbol, tf: tf}]
	if len(series) == 0 {
		return domain.Candle{}, false
	}
	return series[len(series)-1], true
}

// LatestBefore returns the most recent candle whose bucket started strictly
// before t. Previous-day close lookups use it.
func (w *WindowCache) LatestBefore(symbol string, tf domain.Timeframe, t time.Time) (domain.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	series := w.data[windowKey{symbol: symbol, tf: tf}]
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].BucketStart.Before(t) {
			return series[i], true
		}
	}
	return domain.Candle{}, false
}
