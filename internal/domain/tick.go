package domain

import (
	"fmt"
	"time"
)

// Tick is a single trade print from the data broker. Ticks are immutable and
// never persisted; they exist only on the hot path.
type Tick struct {
	Symbol            string    `json:"symbol"`
	ExchangeTimestamp time.Time `json:"exchange_ts"`
	ReceivedAt        time.Time `json:"received_at"`
	LastPrice         float64   `json:"last_price"`
	LastQty           int64     `json:"last_qty"`
	Volume            int64     `json:"volume"`
}

// HasExchangeTimestamp reports whether the broker supplied an exchange-side
// timestamp. When false, dedup falls back to ReceivedAt.
func (t Tick) HasExchangeTimestamp() bool {
	return !t.ExchangeTimestamp.IsZero()
}

// DedupKey builds the duplicate-detection key. The key uses the exchange
// timestamp when present and the local receive time otherwise.
func (t Tick) DedupKey() string {
	ts := t.ExchangeTimestamp
	if ts.IsZero() {
		ts = t.ReceivedAt
	}
	return fmt.Sprintf("%s|%d|%.2f|%d", t.Symbol, ts.UnixNano(), t.LastPrice, t.LastQty)
}
