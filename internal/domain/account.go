package domain

import "time"

// BrokerRole splits broker accounts into the single authoritative data feed
// and the many execution accounts.
type BrokerRole string

const (
	RoleData BrokerRole = "DATA"
	RoleExec BrokerRole = "EXEC"
)

// BrokerEnv is the explicit environment tag used by the startup gate. It is
// never inferred from URL substrings.
type BrokerEnv string

const (
	EnvProduction BrokerEnv = "PRODUCTION"
	EnvUAT        BrokerEnv = "UAT"
	EnvSandbox    BrokerEnv = "SANDBOX"
)

// UserBroker is one brokerage account owned by one user. A user holds at
// most one DATA account (system-wide a single DATA broker is authoritative)
// and any number of EXEC accounts.
type UserBroker struct {
	UserBrokerID   int64      `json:"user_broker_id" db:"user_broker_id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	BrokerCode     string     `json:"broker_code" db:"broker_code"`
	Role           BrokerRole `json:"role" db:"role"`
	Env            BrokerEnv  `json:"env" db:"env"`
	RiskProfileID  int64      `json:"risk_profile_id" db:"risk_profile_id"`
	CredentialsRef string     `json:"credentials_ref" db:"credentials_ref"`
	TotalCapital   float64    `json:"total_capital" db:"total_capital"`
	AvailableCash  float64    `json:"available_cash" db:"available_cash"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	Paused         bool       `json:"paused" db:"paused"`
	Watchlist      []string   `json:"watchlist" db:"-"`
}

// InWatchlist reports whether the account trades the given symbol.
func (ub UserBroker) InWatchlist(symbol string) bool {
	for _, s := range ub.Watchlist {
		if s == symbol {
			return true
		}
	}
	return false
}

// RiskProfile is a named bundle of validation and sizing limits. Profiles
// are consulted per user-broker at fan-out time and never embedded in
// signals.
type RiskProfile struct {
	RiskProfileID           int64          `json:"risk_profile_id" db:"risk_profile_id"`
	Name                    string         `json:"name" db:"name"`
	MinConfluence           ConfluenceType `json:"min_confluence" db:"min_confluence"`
	MinPWin                 float64        `json:"min_p_win" db:"min_p_win"`
	MinKelly                float64        `json:"min_kelly" db:"min_kelly"`
	MaxKelly                float64        `json:"max_kelly" db:"max_kelly"`
	MaxSymbolCapitalPct     float64        `json:"max_symbol_capital_pct" db:"max_symbol_capital_pct"`
	MaxPortfolioExposurePct float64        `json:"max_portfolio_exposure_pct" db:"max_portfolio_exposure_pct"`
	MaxPortfolioLogLoss     float64        `json:"max_portfolio_log_loss" db:"max_portfolio_log_loss"`
	MaxSymbolLogLoss        float64        `json:"max_symbol_log_loss" db:"max_symbol_log_loss"`
	MaxPositionLogLoss      float64        `json:"max_position_log_loss" db:"max_position_log_loss"`
	MaxPyramidLevel         int            `json:"max_pyramid_level" db:"max_pyramid_level"`
	RebuySpacingATR         float64        `json:"rebuy_spacing_atr" db:"rebuy_spacing_atr"`
	AtrStopMultiple         float64        `json:"atr_stop_multiple" db:"atr_stop_multiple"`
	VelocityMultiplier      float64        `json:"velocity_multiplier" db:"velocity_multiplier"`
	MinTradeValue           float64        `json:"min_trade_value" db:"min_trade_value"`
	MaxPerTradeValue        float64        `json:"max_per_trade_value" db:"max_per_trade_value"`
	CooldownDuration        time.Duration  `json:"cooldown_duration" db:"-"`
	MaxHoldDuration         time.Duration  `json:"max_hold_duration" db:"-"`
	MaxDailyLossPct         float64        `json:"max_daily_loss_pct" db:"max_daily_loss_pct"`
	MaxWeeklyLossPct        float64        `json:"max_weekly_loss_pct" db:"max_weekly_loss_pct"`
}

// SessionStatus is the lifecycle state of a broker token row.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionRevoked SessionStatus = "REVOKED"
)

// Session is one broker access token. Refresh appends a new row with a
// higher version; rows are never updated in place.
type Session struct {
	SessionID    int64         `json:"session_id" db:"session_id"`
	UserBrokerID int64         `json:"user_broker_id" db:"user_broker_id"`
	AccessToken  string        `json:"-" db:"access_token"`
	ValidTill    time.Time     `json:"valid_till" db:"valid_till"`
	Status       SessionStatus `json:"status" db:"status"`
	Version      int64         `json:"version" db:"version"`
}

// TokenFingerprint renders a loggable stand-in for the access token. Raw
// tokens never reach logs or events.
func (s Session) TokenFingerprint() string {
	if len(s.AccessToken) < 8 {
		return "token:short"
	}
	return "token:" + s.AccessToken[:4] + "..." + s.AccessToken[len(s.AccessToken)-4:]
}
