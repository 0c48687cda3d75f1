package sizing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/triframe/triframe/internal/domain"
)

// Constraint names, reported as the binding constraint for observability.
const (
	ConstraintLogSafe         = "LOG_SAFE"
	ConstraintKelly           = "KELLY"
	ConstraintCash            = "CASH"
	ConstraintSymbolCapital   = "SYMBOL_CAPITAL"
	ConstraintPortfolioBudget = "PORTFOLIO_BUDGET"
	ConstraintSymbolBudget    = "SYMBOL_BUDGET"
	ConstraintVelocity        = "VELOCITY"
)

// Rejection reasons.
const (
	ReasonDataUnavailable = "DATA_UNAVAILABLE"
	ReasonPyramidLimit    = "PYRAMID_LIMIT"
	ReasonRebuySpacing    = "REBUY_SPACING"
)

// constraintOrder fixes tie-breaking: the first constraint achieving the
// minimum is named binding.
var constraintOrder = []string{
	ConstraintLogSafe,
	ConstraintKelly,
	ConstraintCash,
	ConstraintSymbolCapital,
	ConstraintPortfolioBudget,
	ConstraintSymbolBudget,
	ConstraintVelocity,
}

// Snapshot is the point-in-time account and market state the sizer reads.
// All ratios are fractions (0.02 means two percent); log-loss figures are
// natural-log budgets already consumed.
type Snapshot struct {
	TotalCapital     float64 `json:"total_capital"`
	AvailableCash    float64 `json:"available_cash"`
	AvailableCapital float64 `json:"available_capital"`
	PortfolioLogLoss float64 `json:"portfolio_log_loss"`
	SymbolLogLoss    float64 `json:"symbol_log_loss"`
	ATR              float64 `json:"atr"`
}

// Input carries everything one sizing decision depends on. The sizer never
// reaches outside it.
type Input struct {
	Profile    domain.RiskProfile    `json:"profile"`
	Snapshot   Snapshot              `json:"snapshot"`
	Strength   domain.SignalStrength `json:"strength"`
	RawKelly   float64               `json:"raw_kelly"`
	LimitPrice float64               `json:"limit_price"`
}

// RebuyContext adds the pyramid state for add-size decisions.
type RebuyContext struct {
	PyramidLevel   int     `json:"pyramid_level"`
	LastEntryPrice float64 `json:"last_entry_price"`
}

// Result is the sizer's tagged outcome: either an approved quantity with
// the constraint that bound it, or a rejection with a reason. Constraints
// holds every computed limit for observability.
type Result struct {
	Approved          bool             `json:"approved"`
	Qty               int64            `json:"qty"`
	BindingConstraint string           `json:"binding_constraint,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	Constraints       map[string]int64 `json:"constraints,omitempty"`
}

func rejected(reason string) Result {
	return Result{Reason: reason}
}

// Size computes the approved quantity as the minimum of seven independent
// constraints. It is a pure function; any unavailable input rejects with
// DATA_UNAVAILABLE rather than guessing. Quantity arithmetic runs on
// decimals so that budget boundaries floor exactly.
func Size(in Input) Result {
	p, s := in.Profile, in.Snapshot
	if in.LimitPrice <= 0 || s.TotalCapital <= 0 || s.ATR <= 0 ||
		s.AvailableCash < 0 || s.AvailableCapital < 0 || p.AtrStopMultiple <= 0 {
		return rejected(ReasonDataUnavailable)
	}

	price := decimal.NewFromFloat(in.LimitPrice)
	total := decimal.NewFromFloat(s.TotalCapital)
	atr := decimal.NewFromFloat(s.ATR)
	stopDistance := decimal.NewFromFloat(p.AtrStopMultiple).Mul(atr)

	kellyFraction := clamp(in.Strength.Multiplier()*in.RawKelly, 0, p.MaxKelly)

	constraints := map[string]int64{
		ConstraintLogSafe: logLossQty(total, p.MaxPositionLogLoss, stopDistance),
		ConstraintKelly: floorQty(decimal.NewFromFloat(kellyFraction).
			Mul(decimal.NewFromFloat(s.AvailableCapital)).Div(price)),
		ConstraintCash: floorQty(decimal.NewFromFloat(s.AvailableCash).Div(price)),
		ConstraintSymbolCapital: floorQty(decimal.NewFromFloat(p.MaxSymbolCapitalPct).
			Mul(total).Div(price)),
		ConstraintPortfolioBudget: logLossQty(total, p.MaxPortfolioLogLoss-s.PortfolioLogLoss, stopDistance),
		ConstraintSymbolBudget:    logLossQty(total, p.MaxSymbolLogLoss-s.SymbolLogLoss, stopDistance),
		ConstraintVelocity: floorQty(decimal.NewFromFloat(p.VelocityMultiplier).
			Mul(price).Div(atr)),
	}

	qty := constraints[constraintOrder[0]]
	binding := constraintOrder[0]
	for _, name := range constraintOrder[1:] {
		if constraints[name] < qty {
			qty = constraints[name]
			binding = name
		}
	}

	return Result{
		Approved:          true,
		Qty:               qty,
		BindingConstraint: binding,
		Constraints:       constraints,
	}
}

// SizeRebuy applies the pyramid gates and then sizes the addition with the
// same seven constraints over the current snapshot.
func SizeRebuy(in Input, rb RebuyContext) Result {
	p, s := in.Profile, in.Snapshot
	if rb.PyramidLevel >= p.MaxPyramidLevel {
		return rejected(ReasonPyramidLimit)
	}
	if s.ATR <= 0 {
		return rejected(ReasonDataUnavailable)
	}
	if math.Abs(in.LimitPrice-rb.LastEntryPrice) < p.RebuySpacingATR*s.ATR {
		return rejected(ReasonRebuySpacing)
	}
	return Size(in)
}

// logLossQty converts a remaining log-loss budget into a quantity given the
// per-share stop distance. Exhausted budgets yield zero.
func logLossQty(totalCapital decimal.Decimal, budget float64, stopDistance decimal.Decimal) int64 {
	if budget <= 0 {
		return 0
	}
	riskFraction := decimal.NewFromFloat(1 - math.Exp(-budget))
	return floorQty(totalCapital.Mul(riskFraction).Div(stopDistance))
}

func floorQty(d decimal.Decimal) int64 {
	if d.Sign() <= 0 {
		return 0
	}
	return d.Floor().IntPart()
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
