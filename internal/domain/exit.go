package domain

import "time"

// ExitReason names the rule that triggered an exit. Evaluation order in the
// monitor is TARGET_HIT, STOP_LOSS, TRAILING_STOP, BRICK_REVERSAL, TIME_EXIT;
// MANUAL arrives only through the ops surface.
type ExitReason string

const (
	ExitTargetHit     ExitReason = "TARGET_HIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitBrickReversal ExitReason = "BRICK_REVERSAL"
	ExitTimeExit      ExitReason = "TIME_EXIT"
	ExitManual        ExitReason = "MANUAL"
)

// ExitIntentStatus tracks an exit attempt from trigger to fill.
type ExitIntentStatus string

const (
	ExitIntentPending  ExitIntentStatus = "PENDING"
	ExitIntentApproved ExitIntentStatus = "APPROVED"
	ExitIntentPlaced   ExitIntentStatus = "PLACED"
	ExitIntentFilled   ExitIntentStatus = "FILLED"
	ExitIntentFailed   ExitIntentStatus = "FAILED"
)

// IsSettled reports whether the attempt can no longer hold the per-trade
// exclusivity slot.
func (s ExitIntentStatus) IsSettled() bool {
	return s == ExitIntentFilled || s == ExitIntentFailed
}

// ExitIntent is one attempt to close a trade for one reason within one
// episode. Unique on (TradeID, ExitReason, EpisodeID); episodes are 30s
// cooldown windows per reason so a bouncing price cannot spam exit orders.
type ExitIntent struct {
	ExitIntentID string           `json:"exit_intent_id" db:"exit_intent_id"`
	TradeID      int64            `json:"trade_id" db:"trade_id"`
	UserBrokerID int64            `json:"user_broker_id" db:"user_broker_id"`
	ExitReason   ExitReason       `json:"exit_reason" db:"exit_reason"`
	EpisodeID    string           `json:"episode_id" db:"episode_id"`
	TriggeredAt  time.Time        `json:"triggered_at" db:"triggered_at"`
	Status       ExitIntentStatus `json:"status" db:"status"`
}
