package gates

import (
	"fmt"
	"time"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/sizing"
)

// GateCheck is the result of a single validation gate.
type GateCheck struct {
	Name        string      `json:"name"`
	Passed      bool        `json:"passed"`
	Value       interface{} `json:"value"`
	Threshold   interface{} `json:"threshold"`
	Description string      `json:"description"`
}

// ValidationResult carries the full per-account decision for one signal,
// with every gate's reasoning preserved for the intent row and the logs.
type ValidationResult struct {
	Symbol           string                `json:"symbol"`
	UserBrokerID     int64                 `json:"user_broker_id"`
	Timestamp        time.Time             `json:"timestamp"`
	Approved         bool                  `json:"approved"`
	TradeType        domain.TradeType      `json:"trade_type"`
	Qty              int64                 `json:"qty"`
	LimitPrice       float64               `json:"limit_price"`
	BindingConstraint string               `json:"binding_constraint,omitempty"`
	GateResults      map[string]*GateCheck `json:"gate_results"`
	FailureReasons   []string              `json:"failure_reasons"`
	PassedGates      []string              `json:"passed_gates"`
	EvaluationTimeMs int64                 `json:"evaluation_time_ms"`
}

// RebuyState describes the open position that makes a signal an add-on
// attempt instead of a fresh entry.
type RebuyState struct {
	PyramidLevel   int     `json:"pyramid_level"`
	LastEntryPrice float64 `json:"last_entry_price"`
}

// ValidationInput is the complete snapshot one validation runs against.
// Validation never reads outside it, so identical inputs always produce
// identical results.
type ValidationInput struct {
	Signal          domain.Signal
	UserBroker      domain.UserBroker
	Profile         domain.RiskProfile
	Snapshot        sizing.Snapshot
	BrokerConnected bool
	CurrentExposure float64
	DailyLossPct    float64
	WeeklyLossPct   float64
	LastTradeAt     *time.Time
	Rebuy           *RebuyState
	Now             time.Time
}

// Validate runs the ordered gate sequence for one (signal, account) pair.
// Pre-sizing gates all evaluate so the intent row records every failure;
// a sizing rejection short-circuits the gates that depend on a quantity.
func Validate(in ValidationInput) *ValidationResult {
	start := time.Now()
	result := &ValidationResult{
		Symbol:       in.Signal.Symbol,
		UserBrokerID: in.UserBroker.UserBrokerID,
		Timestamp:    in.Now,
		TradeType:    domain.TradeTypeNewBuy,
		LimitPrice:   in.Signal.RefPrice,
		GateResults:  make(map[string]*GateCheck),
	}
	if in.Rebuy != nil {
		result.TradeType = domain.TradeTypeRebuy
	}

	record := func(check *GateCheck, failure string) {
		result.GateResults[check.Name] = check
		if check.Passed {
			result.PassedGates = append(result.PassedGates, check.Name)
		} else {
			result.FailureReasons = append(result.FailureReasons, failure)
		}
	}

	connected := in.UserBroker.Enabled && in.BrokerConnected
	record(&GateCheck{
		Name:        "broker_ready",
		Passed:      connected,
		Value:       connected,
		Threshold:   true,
		Description: "broker account enabled and connected",
	}, fmt.Sprintf("broker %s not ready", in.UserBroker.BrokerCode))

	record(&GateCheck{
		Name:        "portfolio_active",
		Passed:      !in.UserBroker.Paused,
		Value:       !in.UserBroker.Paused,
		Threshold:   true,
		Description: "portfolio not paused",
	}, "portfolio paused")

	inList := in.UserBroker.InWatchlist(in.Signal.Symbol)
	record(&GateCheck{
		Name:        "watchlist",
		Passed:      inList,
		Value:       in.Signal.Symbol,
		Threshold:   "watchlist membership",
		Description: "symbol is on the account watchlist",
	}, fmt.Sprintf("%s not in watchlist", in.Signal.Symbol))

	confluenceOK := in.Signal.ConfluenceType.Rank() >= in.Profile.MinConfluence.Rank()
	record(&GateCheck{
		Name:        "min_confluence",
		Passed:      confluenceOK,
		Value:       string(in.Signal.ConfluenceType),
		Threshold:   string(in.Profile.MinConfluence),
		Description: fmt.Sprintf("confluence %s >= %s", in.Signal.ConfluenceType, in.Profile.MinConfluence),
	}, fmt.Sprintf("confluence %s below profile minimum %s", in.Signal.ConfluenceType, in.Profile.MinConfluence))

	record(&GateCheck{
		Name:        "min_p_win",
		Passed:      in.Signal.PWin >= in.Profile.MinPWin,
		Value:       in.Signal.PWin,
		Threshold:   in.Profile.MinPWin,
		Description: fmt.Sprintf("pWin %.2f >= %.2f", in.Signal.PWin, in.Profile.MinPWin),
	}, fmt.Sprintf("pWin %.2f below profile minimum %.2f", in.Signal.PWin, in.Profile.MinPWin))

	record(&GateCheck{
		Name:        "min_kelly",
		Passed:      in.Signal.Kelly >= in.Profile.MinKelly,
		Value:       in.Signal.Kelly,
		Threshold:   in.Profile.MinKelly,
		Description: fmt.Sprintf("kelly %.4f >= %.4f", in.Signal.Kelly, in.Profile.MinKelly),
	}, fmt.Sprintf("kelly %.4f below profile minimum %.4f", in.Signal.Kelly, in.Profile.MinKelly))

	sized := runSizer(in)
	record(&GateCheck{
		Name:        "sizing",
		Passed:      sized.Approved,
		Value:       sized.Qty,
		Threshold:   sized.BindingConstraint,
		Description: "sizer approved a quantity",
	}, fmt.Sprintf("sizing rejected: %s", sized.Reason))

	if !sized.Approved {
		// Quantity-dependent gates cannot run without a size.
		result.EvaluationTimeMs = time.Since(start).Milliseconds()
		return result
	}
	result.Qty = sized.Qty
	result.BindingConstraint = sized.BindingConstraint

	record(&GateCheck{
		Name:        "min_qty",
		Passed:      sized.Qty >= 1,
		Value:       sized.Qty,
		Threshold:   int64(1),
		Description: fmt.Sprintf("qty %d >= 1", sized.Qty),
	}, fmt.Sprintf("sized quantity %d below one share (%s binding)", sized.Qty, sized.BindingConstraint))

	value := domain.NotionalValue(sized.Qty, in.Signal.RefPrice)
	record(&GateCheck{
		Name:        "min_value",
		Passed:      value >= in.Profile.MinTradeValue,
		Value:       value,
		Threshold:   in.Profile.MinTradeValue,
		Description: fmt.Sprintf("value %.2f >= %.2f", value, in.Profile.MinTradeValue),
	}, fmt.Sprintf("trade value %.2f below minimum %.2f", value, in.Profile.MinTradeValue))

	record(&GateCheck{
		Name:        "max_per_trade",
		Passed:      value <= in.Profile.MaxPerTradeValue,
		Value:       value,
		Threshold:   in.Profile.MaxPerTradeValue,
		Description: fmt.Sprintf("value %.2f <= %.2f", value, in.Profile.MaxPerTradeValue),
	}, fmt.Sprintf("trade value %.2f above per-trade cap %.2f", value, in.Profile.MaxPerTradeValue))

	exposureCap := in.Profile.MaxPortfolioExposurePct * in.Snapshot.TotalCapital
	exposureOK := in.CurrentExposure+value <= exposureCap
	record(&GateCheck{
		Name:        "portfolio_exposure",
		Passed:      exposureOK,
		Value:       in.CurrentExposure + value,
		Threshold:   exposureCap,
		Description: fmt.Sprintf("exposure %.2f <= %.2f", in.CurrentExposure+value, exposureCap),
	}, fmt.Sprintf("portfolio exposure %.2f would exceed cap %.2f", in.CurrentExposure+value, exposureCap))

	lossOK := in.DailyLossPct <= in.Profile.MaxDailyLossPct && in.WeeklyLossPct <= in.Profile.MaxWeeklyLossPct
	record(&GateCheck{
		Name:        "loss_limits",
		Passed:      lossOK,
		Value:       fmt.Sprintf("daily %.2f%% weekly %.2f%%", in.DailyLossPct*100, in.WeeklyLossPct*100),
		Threshold:   fmt.Sprintf("daily %.2f%% weekly %.2f%%", in.Profile.MaxDailyLossPct*100, in.Profile.MaxWeeklyLossPct*100),
		Description: "daily and weekly loss inside limits",
	}, "daily or weekly loss limit breached")

	cooldownOK := in.LastTradeAt == nil || in.Now.Sub(*in.LastTradeAt) >= in.Profile.CooldownDuration
	record(&GateCheck{
		Name:        "cooldown",
		Passed:      cooldownOK,
		Value:       in.LastTradeAt,
		Threshold:   in.Profile.CooldownDuration.String(),
		Description: "symbol cooldown elapsed",
	}, fmt.Sprintf("cooldown active on %s", in.Signal.Symbol))

	result.Approved = len(result.FailureReasons) == 0
	result.EvaluationTimeMs = time.Since(start).Milliseconds()
	return result
}

func runSizer(in ValidationInput) sizing.Result {
	sizeIn := sizing.Input{
		Profile:    in.Profile,
		Snapshot:   in.Snapshot,
		Strength:   in.Signal.Strength,
		RawKelly:   in.Signal.Kelly,
		LimitPrice: in.Signal.RefPrice,
	}
	if in.Rebuy != nil {
		return sizing.SizeRebuy(sizeIn, sizing.RebuyContext{
			PyramidLevel:   in.Rebuy.PyramidLevel,
			LastEntryPrice: in.Rebuy.LastEntryPrice,
		})
	}
	return sizing.Size(sizeIn)
}
