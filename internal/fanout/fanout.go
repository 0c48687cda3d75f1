// Package fanout expands one published signal into per-account trade
// intents. Every enabled EXEC account watching the symbol gets an
// independent validation against its own risk profile and live exposure;
// the outcome is persisted either way, so a rejected account leaves the
// same audit trail as an approved one.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/candles"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/executor"
	"github.com/triframe/triframe/internal/gates"
	"github.com/triframe/triframe/internal/metrics"
	"github.com/triframe/triframe/internal/sizing"
)

// AccountStore lists execution accounts and their profiles.
type AccountStore interface {
	ListEnabledExec(ctx context.Context) ([]domain.UserBroker, error)
	RiskProfile(ctx context.Context, riskProfileID int64) (domain.RiskProfile, error)
}

// TradeReader is the slice of the trades repository the validator reads.
// Everything here is an aggregate over committed rows; the fan-out holds no
// position state of its own.
type TradeReader interface {
	OpenBySymbol(ctx context.Context, userBrokerID int64, symbol string) ([]domain.Trade, error)
	CurrentExposure(ctx context.Context, userBrokerID int64) (float64, error)
	StopRisk(ctx context.Context, userBrokerID int64) (float64, error)
	SymbolStopRisk(ctx context.Context, userBrokerID int64, symbol string) (float64, error)
	RealizedPnlSince(ctx context.Context, userBrokerID int64, since time.Time) (float64, error)
	LastTradeAt(ctx context.Context, userBrokerID int64, symbol string) (*time.Time, error)
}

// IntentStore persists fan-out decisions.
type IntentStore interface {
	Insert(ctx context.Context, intent *domain.TradeIntent) error
}

// Submitter accepts approved entries for placement. The executor satisfies
// it.
type Submitter interface {
	SubmitEntry(req executor.Entry) error
}

// Connectivity reports whether an account's broker adapter is usable right
// now. The broker guard's breaker state backs it in production.
type Connectivity interface {
	Connected(userBrokerID int64) bool
}

// AlwaysConnected treats every account as connected. Paper runs use it.
type AlwaysConnected struct{}

func (AlwaysConnected) Connected(int64) bool { return true }

// Config bounds the fan-out.
type Config struct {
	// TaskTimeout caps one account's validation.
	TaskTimeout time.Duration
	// ATRPeriod is the lookback for the stop-distance ATR on the
	// intermediate timeframe.
	ATRPeriod int
	// ProductType is stamped on every intent and routed to the broker.
	ProductType string
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Second
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.ProductType == "" {
		c.ProductType = "CNC"
	}
	return c
}

// FanOut validates one signal against every eligible account in parallel.
type FanOut struct {
	cfg      Config
	accounts AccountStore
	trades   TradeReader
	intents  IntentStore
	windows  *candles.WindowCache
	conn     Connectivity
	exec     Submitter
	bus      events.Bus
	cal      *clockwork.SessionCalendar
	clock    clockwork.Clock
	metrics  *metrics.Registry
	log      zerolog.Logger
}

func New(cfg Config, accounts AccountStore, trades TradeReader, intents IntentStore, windows *candles.WindowCache, conn Connectivity, exec Submitter, bus events.Bus, cal *clockwork.SessionCalendar, clock clockwork.Clock, m *metrics.Registry, log zerolog.Logger) *FanOut {
	return &FanOut{
		cfg:      cfg.withDefaults(),
		accounts: accounts,
		trades:   trades,
		intents:  intents,
		windows:  windows,
		conn:     conn,
		exec:     exec,
		bus:      bus,
		cal:      cal,
		clock:    clock,
		metrics:  m,
		log:      log.With().Str("component", "fanout").Logger(),
	}
}

// Run subscribes to published signals and fans each one out, blocking until
// ctx is cancelled or the bus closes.
func (f *FanOut) Run(ctx context.Context) error {
	sub, err := f.bus.Subscribe(events.TopicGlobal, func(ev events.Event) bool {
		return ev.Type == events.EventSignalPublished
	}, 64)
	if err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if sig, ok := ev.Payload.(*domain.Signal); ok {
				f.OnSignal(ctx, *sig)
			}
		}
	}
}

// OnSignal validates the signal for every eligible account, one goroutine
// per account, and returns when all tasks finished or timed out.
func (f *FanOut) OnSignal(ctx context.Context, sig domain.Signal) {
	accounts, err := f.accounts.ListEnabledExec(ctx)
	if err != nil {
		f.metrics.Degrade.WithLabelValues("fanout_accounts").Inc()
		f.log.Error().Err(err).Int64("signal_id", sig.SignalID).Msg("account enumeration failed, signal not fanned out")
		return
	}

	var wg sync.WaitGroup
	for _, ub := range accounts {
		if ub.Paused || !ub.InWatchlist(sig.Symbol) {
			continue
		}
		wg.Add(1)
		go func(ub domain.UserBroker) {
			defer wg.Done()
			taskCtx, cancel := context.WithTimeout(ctx, f.cfg.TaskTimeout)
			defer cancel()
			if err := f.validateAccount(taskCtx, sig, ub); err != nil {
				f.metrics.Degrade.WithLabelValues("fanout_account").Inc()
				f.log.Error().Err(err).
					Int64("signal_id", sig.SignalID).
					Int64("user_broker_id", ub.UserBrokerID).
					Msg("account validation failed")
			}
		}(ub)
	}
	wg.Wait()
}

func (f *FanOut) validateAccount(ctx context.Context, sig domain.Signal, ub domain.UserBroker) error {
	now := f.clock.Now()

	profile, err := f.accounts.RiskProfile(ctx, ub.RiskProfileID)
	if err != nil {
		return fmt.Errorf("risk profile %d: %w", ub.RiskProfileID, err)
	}

	exposure, err := f.trades.CurrentExposure(ctx, ub.UserBrokerID)
	if err != nil {
		return fmt.Errorf("current exposure: %w", err)
	}
	stopRisk, err := f.trades.StopRisk(ctx, ub.UserBrokerID)
	if err != nil {
		return fmt.Errorf("stop risk: %w", err)
	}
	symbolStopRisk, err := f.trades.SymbolStopRisk(ctx, ub.UserBrokerID, sig.Symbol)
	if err != nil {
		return fmt.Errorf("symbol stop risk: %w", err)
	}
	dayPnl, err := f.trades.RealizedPnlSince(ctx, ub.UserBrokerID, f.cal.TradingDay(now))
	if err != nil {
		return fmt.Errorf("daily pnl: %w", err)
	}
	weekPnl, err := f.trades.RealizedPnlSince(ctx, ub.UserBrokerID, f.cal.WeekStart(now))
	if err != nil {
		return fmt.Errorf("weekly pnl: %w", err)
	}
	lastTradeAt, err := f.trades.LastTradeAt(ctx, ub.UserBrokerID, sig.Symbol)
	if err != nil {
		return fmt.Errorf("last trade: %w", err)
	}
	open, err := f.trades.OpenBySymbol(ctx, ub.UserBrokerID, sig.Symbol)
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	var rebuy *gates.RebuyState
	if len(open) > 0 {
		rebuy = &gates.RebuyState{
			PyramidLevel:   len(open),
			LastEntryPrice: open[len(open)-1].EntryPrice,
		}
	}

	// A short series leaves ATR at zero and the sizer rejects with
	// DATA_UNAVAILABLE rather than guessing a stop distance.
	atr, _ := candles.ATR(f.windows.Recent(sig.Symbol, domain.TimeframeM25, f.cfg.ATRPeriod+1), f.cfg.ATRPeriod)

	snapshot := sizing.Snapshot{
		TotalCapital:     ub.TotalCapital,
		AvailableCash:    ub.AvailableCash,
		AvailableCapital: math.Max(ub.TotalCapital-exposure, 0),
		PortfolioLogLoss: consumedLogLoss(stopRisk, ub.TotalCapital),
		SymbolLogLoss:    consumedLogLoss(symbolStopRisk, ub.TotalCapital),
		ATR:              atr,
	}

	result := gates.Validate(gates.ValidationInput{
		Signal:          sig,
		UserBroker:      ub,
		Profile:         profile,
		Snapshot:        snapshot,
		BrokerConnected: f.conn.Connected(ub.UserBrokerID),
		CurrentExposure: exposure,
		DailyLossPct:    lossPct(dayPnl, ub.TotalCapital),
		WeeklyLossPct:   lossPct(weekPnl, ub.TotalCapital),
		LastTradeAt:     lastTradeAt,
		Rebuy:           rebuy,
		Now:             now,
	})

	intent := &domain.TradeIntent{
		IntentID:     IntentID(sig.SignalID, ub.UserBrokerID),
		SignalID:     sig.SignalID,
		UserBrokerID: ub.UserBrokerID,
		ApprovedQty:  result.Qty,
		LimitPrice:   result.LimitPrice,
		ProductType:  f.cfg.ProductType,
		Status:       domain.IntentRejected,
		RejectReason: strings.Join(result.FailureReasons, "; "),
		CreatedAt:    now,
	}
	if result.Approved {
		intent.Status = domain.IntentApproved
		intent.RejectReason = ""
	}

	if err := f.intents.Insert(ctx, intent); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			// This (signal, account) pair was already fanned out.
			f.log.Debug().Str("intent_id", intent.IntentID).Msg("intent replay suppressed")
			return nil
		}
		return fmt.Errorf("insert intent: %w", err)
	}

	f.publishIntent(ctx, ub, intent, result)

	if !result.Approved {
		f.log.Info().
			Str("intent_id", intent.IntentID).
			Int64("user_broker_id", ub.UserBrokerID).
			Str("symbol", sig.Symbol).
			Strs("reasons", result.FailureReasons).
			Msg("intent rejected")
		return nil
	}

	target, stop := exitBand(sig, profile, atr, result.LimitPrice)
	f.log.Info().
		Str("intent_id", intent.IntentID).
		Int64("user_broker_id", ub.UserBrokerID).
		Str("symbol", sig.Symbol).
		Int64("qty", result.Qty).
		Float64("limit_price", result.LimitPrice).
		Float64("target", target).
		Float64("stop", stop).
		Str("binding", result.BindingConstraint).
		Str("trade_type", string(result.TradeType)).
		Msg("intent approved")

	if err := f.exec.SubmitEntry(executor.Entry{
		Intent:      *intent,
		UserID:      ub.UserID,
		BrokerCode:  ub.BrokerCode,
		Symbol:      sig.Symbol,
		TradeType:   result.TradeType,
		TargetPrice: target,
		StopPrice:   stop,
	}); err != nil {
		return fmt.Errorf("submit entry: %w", err)
	}
	return nil
}

func (f *FanOut) publishIntent(ctx context.Context, ub domain.UserBroker, intent *domain.TradeIntent, result *gates.ValidationResult) {
	typ := events.EventIntentRejected
	if intent.Status == domain.IntentApproved {
		typ = events.EventIntentApproved
	}
	ev := events.New(typ, events.TopicUserBroker, intent).
		ForUserBroker(ub.UserID, ub.UserBrokerID).ForSymbol(result.Symbol)
	if err := f.bus.Publish(ctx, ev); err != nil {
		f.metrics.Degrade.WithLabelValues("event_publish").Inc()
		f.log.Error().Err(err).Str("intent_id", intent.IntentID).Msg("intent event not published")
	}
}

// IntentID builds the deterministic id for a (signal, account) pair. The id
// doubles as the broker clientOrderId, so a replayed fan-out collides in the
// store instead of reaching the broker twice.
func IntentID(signalID, userBrokerID int64) string {
	return fmt.Sprintf("intent-%d-%d", signalID, userBrokerID)
}

// exitBand derives the exit corridor from the entry zone geometry: the stop
// sits one stop-distance below the limit, the target one stop-distance above
// the zone ceiling.
func exitBand(sig domain.Signal, profile domain.RiskProfile, atr, limitPrice float64) (target, stop float64) {
	d := profile.AtrStopMultiple * atr
	return domain.Round2(sig.EntryHigh + d), domain.Round2(limitPrice - d)
}

// consumedLogLoss converts the aggregate loss-at-stops into the natural-log
// budget it already consumes against total capital.
func consumedLogLoss(stopRisk, totalCapital float64) float64 {
	if stopRisk <= 0 || totalCapital <= 0 {
		return 0
	}
	frac := stopRisk / totalCapital
	if frac >= 1 {
		return math.Inf(1)
	}
	return -math.Log(1 - frac)
}

// lossPct turns a realized pnl into a loss fraction of capital; profits
// count as zero loss.
func lossPct(pnl, totalCapital float64) float64 {
	if pnl >= 0 || totalCapital <= 0 {
		return 0
	}
	return -pnl / totalCapital
}
