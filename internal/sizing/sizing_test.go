package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/domain"
)

// permissiveProfile leaves every limit wide open so individual tests can
// tighten exactly one constraint.
func permissiveProfile() domain.RiskProfile {
	return domain.RiskProfile{
		MaxKelly:            1.0,
		MaxSymbolCapitalPct: 1.0,
		MaxPortfolioLogLoss: 5.0,
		MaxSymbolLogLoss:    5.0,
		MaxPositionLogLoss:  5.0,
		MaxPyramidLevel:     3,
		RebuySpacingATR:     1.0,
		AtrStopMultiple:     2.0,
		VelocityMultiplier:  1e6,
	}
}

func permissiveSnapshot() Snapshot {
	return Snapshot{
		TotalCapital:     1_000_000,
		AvailableCash:    1_000_000,
		AvailableCapital: 1_000_000,
		ATR:              10,
	}
}

func TestSymbolCapitalBinds(t *testing.T) {
	profile := permissiveProfile()
	profile.MaxSymbolCapitalPct = 0.02

	in := Input{
		Profile: profile,
		Snapshot: Snapshot{
			TotalCapital:     500_000,
			AvailableCash:    50_000,
			AvailableCapital: 500_000,
			ATR:              10,
		},
		Strength:   domain.StrengthStrong,
		RawKelly:   0.5,
		LimitPrice: 500,
	}

	res := Size(in)
	require.True(t, res.Approved)
	assert.Equal(t, int64(20), res.Qty)
	assert.Equal(t, ConstraintSymbolCapital, res.BindingConstraint)
	assert.Equal(t, int64(100), res.Constraints[ConstraintCash])
}

func TestCashBinds(t *testing.T) {
	in := Input{
		Profile:    permissiveProfile(),
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.9,
		LimitPrice: 100,
	}
	in.Snapshot.AvailableCash = 5_000

	res := Size(in)
	require.True(t, res.Approved)
	assert.Equal(t, int64(50), res.Qty)
	assert.Equal(t, ConstraintCash, res.BindingConstraint)
}

func TestKellyScalesWithStrength(t *testing.T) {
	in := Input{
		Profile:    permissiveProfile(),
		Snapshot:   permissiveSnapshot(),
		RawKelly:   0.40,
		LimitPrice: 100,
	}
	in.Snapshot.AvailableCapital = 100_000

	in.Strength = domain.StrengthStrong
	strong := Size(in)
	require.True(t, strong.Approved)
	assert.Equal(t, int64(400), strong.Constraints[ConstraintKelly])

	in.Strength = domain.StrengthVeryStrong
	very := Size(in)
	assert.Equal(t, int64(480), very.Constraints[ConstraintKelly], "very strong scales kelly by 1.20")

	in.Strength = domain.StrengthModerate
	moderate := Size(in)
	assert.Equal(t, int64(300), moderate.Constraints[ConstraintKelly], "moderate scales kelly by 0.75")
}

func TestKellyClampedAtProfileCeiling(t *testing.T) {
	in := Input{
		Profile:    permissiveProfile(),
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthVeryStrong,
		RawKelly:   0.9, // 1.2 x 0.9 = 1.08 before the clamp
		LimitPrice: 100,
	}
	in.Profile.MaxKelly = 0.5
	in.Snapshot.AvailableCapital = 100_000

	res := Size(in)
	require.True(t, res.Approved)
	assert.Equal(t, int64(500), res.Constraints[ConstraintKelly])
}

func TestLogSafeBinds(t *testing.T) {
	profile := permissiveProfile()
	profile.MaxPositionLogLoss = 0.01

	in := Input{
		Profile:    profile,
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.9,
		LimitPrice: 100,
	}

	// stop distance 20; risk capital 1e6 x (1 - e^-0.01) ~ 9950.17
	res := Size(in)
	require.True(t, res.Approved)
	assert.Equal(t, int64(497), res.Qty)
	assert.Equal(t, ConstraintLogSafe, res.BindingConstraint)
}

func TestPortfolioBudgetUsesHeadroom(t *testing.T) {
	profile := permissiveProfile()
	profile.MaxPortfolioLogLoss = 0.05

	in := Input{
		Profile:    profile,
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.9,
		LimitPrice: 100,
	}
	in.Snapshot.PortfolioLogLoss = 0.03

	res := Size(in)
	require.True(t, res.Approved)
	// headroom 0.02 over stop distance 20: 1e6 x (1 - e^-0.02) / 20
	assert.Equal(t, int64(990), res.Constraints[ConstraintPortfolioBudget])

	in.Snapshot.PortfolioLogLoss = 0.05
	res = Size(in)
	require.True(t, res.Approved)
	assert.Zero(t, res.Qty, "exhausted budget sizes to zero")
	assert.Equal(t, ConstraintPortfolioBudget, res.BindingConstraint)
}

func TestSymbolBudgetBinds(t *testing.T) {
	profile := permissiveProfile()
	profile.MaxSymbolLogLoss = 0.004

	in := Input{
		Profile:    profile,
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.9,
		LimitPrice: 100,
	}

	res := Size(in)
	require.True(t, res.Approved)
	assert.Equal(t, ConstraintSymbolBudget, res.BindingConstraint)
	assert.Equal(t, int64(199), res.Qty)
}

func TestVelocityThrottle(t *testing.T) {
	profile := permissiveProfile()
	profile.VelocityMultiplier = 30

	in := Input{
		Profile:    profile,
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.9,
		LimitPrice: 100,
	}
	in.Snapshot.ATR = 5

	res := Size(in)
	require.True(t, res.Approved)
	assert.Equal(t, int64(600), res.Constraints[ConstraintVelocity])

	// Doubling volatility halves the velocity allowance.
	in.Snapshot.ATR = 10
	res = Size(in)
	assert.Equal(t, int64(300), res.Constraints[ConstraintVelocity])
}

func TestDataUnavailableFailSafe(t *testing.T) {
	base := Input{
		Profile:    permissiveProfile(),
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.5,
		LimitPrice: 100,
	}

	noATR := base
	noATR.Snapshot.ATR = 0
	res := Size(noATR)
	assert.False(t, res.Approved)
	assert.Equal(t, ReasonDataUnavailable, res.Reason)

	noPrice := base
	noPrice.LimitPrice = 0
	assert.Equal(t, ReasonDataUnavailable, Size(noPrice).Reason)

	noCapital := base
	noCapital.Snapshot.TotalCapital = 0
	assert.Equal(t, ReasonDataUnavailable, Size(noCapital).Reason)

	noStop := base
	noStop.Profile.AtrStopMultiple = 0
	assert.Equal(t, ReasonDataUnavailable, Size(noStop).Reason)
}

func TestSizeIsDeterministic(t *testing.T) {
	in := Input{
		Profile:    permissiveProfile(),
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthModerate,
		RawKelly:   0.3,
		LimitPrice: 250,
	}
	first := Size(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Size(in))
	}
}

func TestRebuyPyramidGates(t *testing.T) {
	in := Input{
		Profile:    permissiveProfile(),
		Snapshot:   permissiveSnapshot(),
		Strength:   domain.StrengthStrong,
		RawKelly:   0.5,
		LimitPrice: 100,
	}
	in.Profile.MaxPyramidLevel = 2
	in.Profile.RebuySpacingATR = 1.5 // spacing threshold 15 at ATR 10

	atLimit := SizeRebuy(in, RebuyContext{PyramidLevel: 2, LastEntryPrice: 80})
	assert.False(t, atLimit.Approved)
	assert.Equal(t, ReasonPyramidLimit, atLimit.Reason)

	tooClose := SizeRebuy(in, RebuyContext{PyramidLevel: 1, LastEntryPrice: 95})
	assert.False(t, tooClose.Approved)
	assert.Equal(t, ReasonRebuySpacing, tooClose.Reason)

	spaced := SizeRebuy(in, RebuyContext{PyramidLevel: 1, LastEntryPrice: 80})
	assert.True(t, spaced.Approved)
	assert.Positive(t, spaced.Qty)
}
