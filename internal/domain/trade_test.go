package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_LegalPaths(t *testing.T) {
	legal := []struct {
		from, to TradeStatus
	}{
		{TradeCreated, TradePending},
		{TradeCreated, TradeRejected},
		{TradePending, TradeFilled},
		{TradePending, TradeRejected},
		{TradePending, TradeCancelled},
		{TradePending, TradeTimeout},
		{TradeFilled, TradeOpen},
		{TradeOpen, TradeClosed},
	}

	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}
}

func TestCanTransition_IllegalPathsExhaustive(t *testing.T) {
	all := []TradeStatus{
		TradeCreated, TradePending, TradeFilled, TradeOpen,
		TradeClosed, TradeRejected, TradeCancelled, TradeTimeout,
	}

	legal := map[TradeStatus]map[TradeStatus]bool{
		TradeCreated: {TradePending: true, TradeRejected: true},
		TradePending: {TradeFilled: true, TradeRejected: true, TradeCancelled: true, TradeTimeout: true},
		TradeFilled:  {TradeOpen: true},
		TradeOpen:    {TradeClosed: true},
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[from][to]
			got := CanTransition(from, to)
			assert.Equal(t, want, got, "%s -> %s", from, to)
		}
	}
}

func TestTradeStatus_Terminality(t *testing.T) {
	for _, s := range []TradeStatus{TradeRejected, TradeCancelled, TradeTimeout, TradeClosed} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []TradeStatus{TradeCreated, TradePending, TradeFilled, TradeOpen} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestStateMachineError_UnwrapsToSentinel(t *testing.T) {
	err := &StateMachineError{TradeID: 42, From: TradeClosed, To: TradePending}

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Contains(t, err.Error(), "CLOSED -> PENDING")
	assert.Contains(t, err.Error(), "42")
}

func TestStrengthForScore_Bands(t *testing.T) {
	cases := []struct {
		score      float64
		strength   SignalStrength
		multiplier float64
	}{
		{1.00, StrengthVeryStrong, 1.20},
		{1.15, StrengthVeryStrong, 1.20},
		{0.80, StrengthStrong, 1.00},
		{0.99, StrengthStrong, 1.00},
		{0.50, StrengthModerate, 0.75},
		{0.79, StrengthModerate, 0.75},
		{0.49, StrengthWeak, 0.50},
		{0.00, StrengthWeak, 0.50},
	}

	for _, tc := range cases {
		s := StrengthForScore(tc.score)
		assert.Equal(t, tc.strength, s, "score %.2f", tc.score)
		assert.Equal(t, tc.multiplier, s.Multiplier(), "score %.2f", tc.score)
	}
}

func TestConfluenceType_Rank(t *testing.T) {
	assert.Greater(t, ConfluenceTriple.Rank(), ConfluenceDouble.Rank())
	assert.Greater(t, ConfluenceDouble.Rank(), ConfluenceSingle.Rank())
	assert.Equal(t, 0, ConfluenceType("BOGUS").Rank())
}
