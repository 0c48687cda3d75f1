package domain

import "time"

// Timeframe is a candle bucket width in minutes.
type Timeframe int

const (
	TimeframeM1    Timeframe = 1
	TimeframeM25   Timeframe = 25
	TimeframeM125  Timeframe = 125
	TimeframeDaily Timeframe = 1440
)

// Minutes returns the bucket width in minutes.
func (tf Timeframe) Minutes() int { return int(tf) }

// Duration returns the bucket width as a time.Duration.
func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) * time.Minute }

func (tf Timeframe) String() string {
	switch tf {
	case TimeframeM1:
		return "1m"
	case TimeframeM25:
		return "25m"
	case TimeframeM125:
		return "125m"
	case TimeframeDaily:
		return "daily"
	default:
		return "unknown"
	}
}

// CandleState distinguishes in-flight partials from finalized candles. Only
// CLOSED candles are persisted or fed to the evaluator.
type CandleState string

const (
	CandlePartial CandleState = "PARTIAL"
	CandleClosed  CandleState = "CLOSED"
)

// Candle is an OHLCV bar for one (symbol, timeframe, bucketStart). Prices are
// fixed two-decimal values; the persistence layer enforces the same scale.
type Candle struct {
	Symbol      string      `json:"symbol" db:"symbol"`
	Timeframe   Timeframe   `json:"timeframe" db:"timeframe"`
	BucketStart time.Time   `json:"bucket_start" db:"bucket_start"`
	Open        float64     `json:"open" db:"open"`
	High        float64     `json:"high" db:"high"`
	Low         float64     `json:"low" db:"low"`
	Close       float64     `json:"close" db:"close"`
	Volume      int64       `json:"volume" db:"volume"`
	State       CandleState `json:"state" db:"state"`
}

// ApplyTick folds one tick into a partial candle. The caller is responsible
// for bucket rollover; ApplyTick never changes BucketStart.
func (c *Candle) ApplyTick(t Tick) {
	price := Round2(t.LastPrice)
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += t.LastQty
}

// NewPartialCandle opens a fresh partial bar seeded from the first tick of
// the bucket.
func NewPartialCandle(symbol string, tf Timeframe, bucketStart time.Time, t Tick) Candle {
	price := Round2(t.LastPrice)
	return Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		BucketStart: bucketStart,
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      t.LastQty,
		State:       CandlePartial,
	}
}
