package domain

import "time"

// IntentStatus is the validation outcome recorded on a TradeIntent.
type IntentStatus string

const (
	IntentPendingValidation IntentStatus = "PENDING_VALIDATION"
	IntentApproved          IntentStatus = "APPROVED"
	IntentRejected          IntentStatus = "REJECTED"
)

// TradeIntent is one user-broker's decision to act on a signal. The IntentID
// doubles as the broker-facing clientOrderId, which makes order placement
// idempotent end to end. Unique on (SignalID, UserBrokerID).
type TradeIntent struct {
	IntentID     string       `json:"intent_id" db:"intent_id"`
	SignalID     int64        `json:"signal_id" db:"signal_id"`
	UserBrokerID int64        `json:"user_broker_id" db:"user_broker_id"`
	ApprovedQty  int64        `json:"approved_qty" db:"approved_qty"`
	LimitPrice   float64      `json:"limit_price" db:"limit_price"`
	ProductType  string       `json:"product_type" db:"product_type"`
	Status       IntentStatus `json:"status" db:"status"`
	RejectReason string       `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// TradeStatus is the position lifecycle state.
type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"
	TradePending   TradeStatus = "PENDING"
	TradeFilled    TradeStatus = "FILLED"
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeTimeout   TradeStatus = "TIMEOUT"
)

// tradeTransitions is the total legal-transition table. Anything absent here
// is a StateMachineViolation at the persistence boundary.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeCreated: {TradePending, TradeRejected},
	TradePending: {TradeFilled, TradeRejected, TradeCancelled, TradeTimeout},
	TradeFilled:  {TradeOpen},
	TradeOpen:    {TradeClosed},
}

// CanTransition reports whether from → to is a legal trade state change.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range tradeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func (s TradeStatus) IsTerminal() bool {
	return len(tradeTransitions[s]) == 0
}

// TradeType distinguishes a first entry from a pyramid add on an existing
// open position.
type TradeType string

const (
	TradeTypeNewBuy TradeType = "NEWBUY"
	TradeTypeRebuy  TradeType = "REBUY"
)

// Trade is the per-user-broker position lifecycle row. IntentID and
// ClientOrderID are unique; BrokerOrderID is unique when the broker has
// assigned one. Version increments on every write and LastBrokerUpdateAt
// refreshes on every broker-originated write.
type Trade struct {
	TradeID              int64       `json:"trade_id" db:"trade_id"`
	IntentID             string      `json:"intent_id" db:"intent_id"`
	ClientOrderID        string      `json:"client_order_id" db:"client_order_id"`
	BrokerOrderID        *string     `json:"broker_order_id,omitempty" db:"broker_order_id"`
	UserBrokerID         int64       `json:"user_broker_id" db:"user_broker_id"`
	Symbol               string      `json:"symbol" db:"symbol"`
	EntryQty             int64       `json:"entry_qty" db:"entry_qty"`
	EntryPrice           float64     `json:"entry_price" db:"entry_price"`
	ExitPrice            *float64    `json:"exit_price,omitempty" db:"exit_price"`
	Status               TradeStatus `json:"status" db:"status"`
	TradeType            TradeType   `json:"trade_type" db:"trade_type"`
	ExitTargetPrice      float64     `json:"exit_target_price" db:"exit_target_price"`
	ExitStopPrice        float64     `json:"exit_stop_price" db:"exit_stop_price"`
	TrailingHighestPrice *float64    `json:"trailing_highest_price,omitempty" db:"trailing_highest_price"`
	TrailingStopPrice    *float64    `json:"trailing_stop_price,omitempty" db:"trailing_stop_price"`
	ExitTrigger          *string     `json:"exit_trigger,omitempty" db:"exit_trigger"`
	RealizedPnl          *float64    `json:"realized_pnl,omitempty" db:"realized_pnl"`
	RejectReason         *string     `json:"reject_reason,omitempty" db:"reject_reason"`
	EntryAt              *time.Time  `json:"entry_at,omitempty" db:"entry_at"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
	LastBrokerUpdateAt   time.Time   `json:"last_broker_update_at" db:"last_broker_update_at"`
	Version              int64       `json:"version" db:"version"`
}
