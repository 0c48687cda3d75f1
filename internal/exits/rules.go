// Package exits watches open trades on the live tick path and turns rule
// hits into exit intents. Rule evaluation is pure; the monitor around it owns
// tracking, episode idempotency and hand-off to the executor.
package exits

import (
	"time"

	"github.com/triframe/triframe/internal/domain"
)

// RuleConfig tunes the exit rule ladder. Zero values fall back to defaults.
type RuleConfig struct {
	// TrailingRetracement is the share of the favorable move given back
	// before the trailing stop fires.
	TrailingRetracement float64
	// BrickAdverseRatio is the adverse/favorable ratio that counts as a
	// reversal.
	BrickAdverseRatio float64
}

func (c RuleConfig) withDefaults() RuleConfig {
	if c.TrailingRetracement <= 0 {
		c.TrailingRetracement = 0.4
	}
	if c.BrickAdverseRatio <= 0 {
		c.BrickAdverseRatio = 0.4
	}
	return c
}

// Evaluation is the outcome of one rule pass over one trade. Reason is empty
// while the position should be held. TrailingMoved reports a new favorable
// extreme whose highest/stop pair must be persisted even when no exit fired.
type Evaluation struct {
	Reason        domain.ExitReason
	TrailingMoved bool
	Highest       float64
	TrailingStop  float64
}

// Exited reports whether a rule decided to close the position.
func (e Evaluation) Exited() bool { return e.Reason != "" }

// Evaluate runs the exit ladder for one trade at one price. Order is fixed:
// target, hard stop, trailing stop, brick reversal, time limit; the first
// hit wins for the tick.
//
// The trailing pair ratchets before the trailing check: a price above the
// stored favorable extreme moves the extreme to the price and re-arms the
// stop at extreme - retracement x (extreme - entry). The brick rule compares
// the give-back against the full favorable move rather than a price level,
// so it catches fast reversals the ratcheted stop has not caught up with.
func Evaluate(t domain.Trade, price float64, now time.Time, maxHold time.Duration, cfg RuleConfig) Evaluation {
	cfg = cfg.withDefaults()
	var ev Evaluation

	if t.ExitTargetPrice > 0 && price >= t.ExitTargetPrice {
		ev.Reason = domain.ExitTargetHit
		return ev
	}
	if t.ExitStopPrice > 0 && price <= t.ExitStopPrice {
		ev.Reason = domain.ExitStopLoss
		return ev
	}

	highest := t.EntryPrice
	if t.TrailingHighestPrice != nil && *t.TrailingHighestPrice > highest {
		highest = *t.TrailingHighestPrice
	}
	if price > highest {
		highest = price
		ev.TrailingMoved = true
		ev.Highest = domain.Round2(highest)
		ev.TrailingStop = domain.Round2(highest - cfg.TrailingRetracement*(highest-t.EntryPrice))
	}

	trailingStop := 0.0
	if ev.TrailingMoved {
		trailingStop = ev.TrailingStop
	} else if t.TrailingStopPrice != nil {
		trailingStop = *t.TrailingStopPrice
	}
	if trailingStop > 0 && highest > t.EntryPrice && price <= trailingStop {
		ev.Reason = domain.ExitTrailingStop
		return ev
	}

	favorable := highest - t.EntryPrice
	adverse := highest - price
	if favorable > 0 && adverse >= cfg.BrickAdverseRatio*favorable {
		ev.Reason = domain.ExitBrickReversal
		return ev
	}

	if maxHold > 0 {
		entryAt := t.CreatedAt
		if t.EntryAt != nil {
			entryAt = *t.EntryAt
		}
		if now.Sub(entryAt) > maxHold {
			ev.Reason = domain.ExitTimeExit
			return ev
		}
	}
	return ev
}
