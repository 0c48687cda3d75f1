package domain

import "github.com/shopspring/decimal"

// Round2 rounds a price to the fixed two-decimal scale used everywhere in
// the system. The persistence layer carries a matching CHECK constraint, so
// any value that skips this helper is rejected at the database.
func Round2(price float64) float64 {
	f, _ := decimal.NewFromFloat(price).Round(2).Float64()
	return f
}

// RealizedPnl computes (exit - entry) x qty at exact decimal precision and
// returns the result on the two-decimal scale. Float subtraction would
// otherwise leak representation error into persisted money columns.
func RealizedPnl(entryPrice, exitPrice float64, qty int64) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	pnl := exit.Sub(entry).Mul(decimal.NewFromInt(qty)).Round(2)
	f, _ := pnl.Float64()
	return f
}

// NotionalValue computes qty x price on the two-decimal scale.
func NotionalValue(qty int64, price float64) float64 {
	v := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty)).Round(2)
	f, _ := v.Float64()
	return f
}
