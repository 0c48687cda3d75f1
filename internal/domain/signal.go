package domain

import "time"

// ConfluenceType counts how many timeframes hold price inside their buy zone.
type ConfluenceType string

const (
	ConfluenceSingle ConfluenceType = "SINGLE"
	ConfluenceDouble ConfluenceType = "DOUBLE"
	ConfluenceTriple ConfluenceType = "TRIPLE"
)

// Rank orders confluence types so risk profiles can express a minimum
// (TRIPLE > DOUBLE > SINGLE).
func (c ConfluenceType) Rank() int {
	switch c {
	case ConfluenceTriple:
		return 3
	case ConfluenceDouble:
		return 2
	case ConfluenceSingle:
		return 1
	default:
		return 0
	}
}

// SignalStrength bands the composite score and scales Kelly sizing.
type SignalStrength string

const (
	StrengthVeryStrong SignalStrength = "VERY_STRONG"
	StrengthStrong     SignalStrength = "STRONG"
	StrengthModerate   SignalStrength = "MODERATE"
	StrengthWeak       SignalStrength = "WEAK"
)

// Multiplier is the Kelly scaling factor attached to each strength band.
func (s SignalStrength) Multiplier() float64 {
	switch s {
	case StrengthVeryStrong:
		return 1.20
	case StrengthStrong:
		return 1.00
	case StrengthModerate:
		return 0.75
	default:
		return 0.50
	}
}

// StrengthForScore maps a composite score onto its strength band.
func StrengthForScore(score float64) SignalStrength {
	switch {
	case score >= 1.00:
		return StrengthVeryStrong
	case score >= 0.80:
		return StrengthStrong
	case score >= 0.50:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// SignalStatus tracks the publication lifecycle of a global signal.
type SignalStatus string

const (
	SignalPublished  SignalStatus = "PUBLISHED"
	SignalSuperseded SignalStatus = "SUPERSEDED"
	SignalExpired    SignalStatus = "EXPIRED"
)

// Direction of a signal. The core engine is long-only.
type Direction string

const DirectionBuy Direction = "BUY"

// Signal is a global (user-agnostic) confluence detection. Signals are
// idempotent on (symbol, confluenceType, signalDay, effectiveFloor,
// effectiveCeiling) with all prices at two decimals; a repeated insert
// returns the existing row and refreshes LastCheckedAt.
type Signal struct {
	SignalID         int64          `json:"signal_id" db:"signal_id"`
	Symbol           string         `json:"symbol" db:"symbol"`
	Direction        Direction      `json:"direction" db:"direction"`
	GeneratedAt      time.Time      `json:"generated_at" db:"generated_at"`
	SignalDay        time.Time      `json:"signal_day" db:"signal_day"`
	ConfluenceType   ConfluenceType `json:"confluence_type" db:"confluence_type"`
	CompositeScore   float64        `json:"composite_score" db:"composite_score"`
	Strength         SignalStrength `json:"strength" db:"strength"`
	EffectiveFloor   float64        `json:"effective_floor" db:"effective_floor"`
	EffectiveCeiling float64        `json:"effective_ceiling" db:"effective_ceiling"`
	EntryLow         float64        `json:"entry_low" db:"entry_low"`
	EntryHigh        float64        `json:"entry_high" db:"entry_high"`
	RefPrice         float64        `json:"ref_price" db:"ref_price"`
	PWin             float64        `json:"p_win" db:"p_win"`
	Kelly            float64        `json:"kelly" db:"kelly"`
	Status           SignalStatus   `json:"status" db:"status"`
	LastCheckedAt    time.Time      `json:"last_checked_at" db:"last_checked_at"`
}
