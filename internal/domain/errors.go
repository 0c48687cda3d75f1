package domain

import (
	"errors"
	"fmt"
)

// Error kinds mirror the recovery strategy each failure demands: config
// errors abort startup, transient broker errors wait for the next scheduled
// attempt, permanent broker errors reject the affected trade, data gaps
// reject the current intent, and state machine violations are bugs that are
// logged loudly and never masked.
var (
	ErrConfig            = errors.New("config error")
	ErrTransientBroker   = errors.New("transient broker error")
	ErrPermanentBroker   = errors.New("permanent broker error")
	ErrDataUnavailable   = errors.New("data unavailable")
	ErrPersistence       = errors.New("persistence error")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrIllegalTransition = errors.New("illegal trade state transition")
	ErrNotFound          = errors.New("not found")
)

// StateMachineError carries the context needed to locate the caller that
// attempted an illegal transition.
type StateMachineError struct {
	TradeID int64
	From    TradeStatus
	To      TradeStatus
}

func (e *StateMachineError) Error() string {
	return fmt.Sprintf("illegal trade state transition %s -> %s for trade %d", e.From, e.To, e.TradeID)
}

// Unwrap makes errors.Is(err, ErrIllegalTransition) hold for every
// StateMachineError.
func (e *StateMachineError) Unwrap() error { return ErrIllegalTransition }

// TransientBrokerError wraps a retryable broker failure (timeout, 5xx,
// disconnect). The retry happens on the next scheduler tick, never inline.
func TransientBrokerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientBroker, op, err)
}

// PermanentBrokerError wraps an unambiguous broker rejection.
func PermanentBrokerError(op, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrPermanentBroker, op, reason)
}

// DataUnavailable wraps a missing-input failure (candles, ATR, snapshot).
func DataUnavailable(what string) error {
	return fmt.Errorf("%w: %s", ErrDataUnavailable, what)
}
