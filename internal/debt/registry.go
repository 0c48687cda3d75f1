// Package debt holds the correctness-debt registry and the startup gate that
// consults it. A debt is a named engineering obligation the production build
// must have discharged; flipping one to resolved is a code change reviewed
// like any other, never a config knob.
package debt

import "sort"

// Gate names one correctness obligation.
type Gate string

const (
	OrderExecutionImplemented   Gate = "ORDER_EXECUTION_IMPLEMENTED"
	PositionTrackingLive        Gate = "POSITION_TRACKING_LIVE"
	BrokerReconciliationRunning Gate = "BROKER_RECONCILIATION_RUNNING"
	TickDeduplicationActive     Gate = "TICK_DEDUPLICATION_ACTIVE"
	SignalDBConstraintsApplied  Gate = "SIGNAL_DB_CONSTRAINTS_APPLIED"
	TradeIdempotencyConstraints Gate = "TRADE_IDEMPOTENCY_CONSTRAINTS"
	AsyncEventWriterIfPersist   Gate = "ASYNC_EVENT_WRITER_IF_PERSIST"
)

// registry is the authoritative gate table. Every entry is true in this
// build; an unresolved gate stays false until the code discharging it lands,
// and production startup refuses to proceed past it.
var registry = map[Gate]bool{
	OrderExecutionImplemented:   true,
	PositionTrackingLive:        true,
	BrokerReconciliationRunning: true,
	TickDeduplicationActive:     true,
	SignalDBConstraintsApplied:  true,
	TradeIdempotencyConstraints: true,
	AsyncEventWriterIfPersist:   true,
}

// Resolved reports whether a gate has been discharged. Unknown gates are
// unresolved by definition.
func Resolved(g Gate) bool {
	return registry[g]
}

// Gates lists every registered gate in stable order.
func Gates() []Gate {
	out := make([]Gate, 0, len(registry))
	for g := range registry {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Unresolved lists the gates that would block a production start.
func Unresolved() []Gate {
	var out []Gate
	for _, g := range Gates() {
		if !registry[g] {
			out = append(out, g)
		}
	}
	return out
}
