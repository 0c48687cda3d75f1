package candles

import (
	"math"

	"github.com/triframe/triframe/internal/domain"
)

// ATR computes the Wilder-smoothed average true range over a closed-candle
// series, oldest first. At least period+1 candles are needed for the first
// true range; ok reports whether the series sufficed.
func ATR(series []domain.Candle, period int) (atr float64, ok bool) {
	if period <= 0 || len(series) < period+1 {
		return 0, false
	}

	ranges := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		hl := series[i].High - series[i].Low
		hc := math.Abs(series[i].High - series[i-1].Close)
		lc := math.Abs(series[i].Low - series[i-1].Close)
		ranges = append(ranges, math.Max(hl, math.Max(hc, lc)))
	}

	for _, tr := range ranges[:period] {
		atr += tr
	}
	atr /= float64(period)

	alpha := 1 / float64(period)
	for _, tr := range ranges[period:] {
		atr = atr*(1-alpha) + tr*alpha
	}
	return atr, true
}
