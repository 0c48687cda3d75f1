package exits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/triframe/triframe/internal/domain"
)

func openTrade() domain.Trade {
	entryAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return domain.Trade{
		TradeID:         7,
		Symbol:          "SBIN",
		EntryQty:        100,
		EntryPrice:      502.00,
		Status:          domain.TradeOpen,
		ExitTargetPrice: 510.00,
		ExitStopPrice:   497.00,
		EntryAt:         &entryAt,
		CreatedAt:       entryAt,
	}
}

func TestTargetHitWinsFirst(t *testing.T) {
	ev := Evaluate(openTrade(), 510.05, time.Now(), 0, RuleConfig{})
	assert.True(t, ev.Exited())
	assert.Equal(t, domain.ExitTargetHit, ev.Reason)
}

func TestStopLoss(t *testing.T) {
	ev := Evaluate(openTrade(), 496.90, time.Now(), 0, RuleConfig{})
	assert.Equal(t, domain.ExitStopLoss, ev.Reason)
}

func TestHoldInsideBand(t *testing.T) {
	ev := Evaluate(openTrade(), 501.00, time.Now(), 0, RuleConfig{})
	assert.False(t, ev.Exited())
	assert.False(t, ev.TrailingMoved)
}

func TestTrailingPairRatchetsOnNewHigh(t *testing.T) {
	ev := Evaluate(openTrade(), 508.00, time.Now(), 0, RuleConfig{})
	assert.False(t, ev.Exited())
	assert.True(t, ev.TrailingMoved)
	assert.Equal(t, 508.00, ev.Highest)
	// 508 - 0.4 x (508 - 502) = 505.60
	assert.Equal(t, 505.60, ev.TrailingStop)
}

func TestTrailingStopFires(t *testing.T) {
	tr := openTrade()
	highest, stop := 508.00, 505.60
	tr.TrailingHighestPrice = &highest
	tr.TrailingStopPrice = &stop

	ev := Evaluate(tr, 505.50, time.Now(), 0, RuleConfig{})
	assert.Equal(t, domain.ExitTrailingStop, ev.Reason)
}

func TestTrailingStopQuietUntilFavorableMove(t *testing.T) {
	// No stored extreme and price below entry: the trailing rule stays
	// disarmed and the hard stop owns the downside.
	ev := Evaluate(openTrade(), 500.00, time.Now(), 0, RuleConfig{})
	assert.False(t, ev.Exited())
}

func TestBrickReversalOnFastGiveBack(t *testing.T) {
	tr := openTrade()
	// Favorable move 6.00; adverse 2.50 >= 0.4 x 6.00 while the trailing
	// stop (505.60) has not been breached... adverse from 508 to 505.50
	// would hit trailing first, so park the trailing stop lower.
	highest := 508.00
	tr.TrailingHighestPrice = &highest
	stop := 504.00
	tr.TrailingStopPrice = &stop

	ev := Evaluate(tr, 505.00, time.Now(), 0, RuleConfig{})
	assert.Equal(t, domain.ExitBrickReversal, ev.Reason)
}

func TestTimeExitAfterMaxHold(t *testing.T) {
	tr := openTrade()
	now := tr.EntryAt.Add(6*time.Hour + time.Minute)
	ev := Evaluate(tr, 503.00, now, 6*time.Hour, RuleConfig{})
	assert.Equal(t, domain.ExitTimeExit, ev.Reason)
}

func TestTimeExitDisabledWithZeroMaxHold(t *testing.T) {
	tr := openTrade()
	now := tr.EntryAt.Add(100 * time.Hour)
	ev := Evaluate(tr, 503.00, now, 0, RuleConfig{})
	assert.False(t, ev.Exited())
}

func TestEpisodeIDSharedWithinWindow(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 1, 0, time.UTC)
	assert.Equal(t,
		EpisodeID(base, 30*time.Second),
		EpisodeID(base.Add(20*time.Second), 30*time.Second))
	assert.NotEqual(t,
		EpisodeID(base, 30*time.Second),
		EpisodeID(base.Add(40*time.Second), 30*time.Second))
}
