package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every instrument on the hot paths. Labels are bounded
// cardinality by construction: timeframes, broker codes, reason enums and
// topic names only. User IDs, trade IDs and symbols never become labels.
type Registry struct {
	reg *prometheus.Registry

	// Tick path
	TicksProcessed        prometheus.Counter
	TicksDuplicate        prometheus.Counter
	TicksMissingExchTS    prometheus.Counter
	TickProcessingLatency prometheus.Histogram

	// Candle path
	CandlesClosed      *prometheus.CounterVec
	CandlesPersistFail prometheus.Counter

	// Signal path
	SignalsGenerated *prometheus.CounterVec

	// Order path
	OrdersPlaced     *prometheus.CounterVec
	OrdersFilled     prometheus.Counter
	OrdersRejected   *prometheus.CounterVec
	OrderPlacement   prometheus.Histogram
	PendingTrades    prometheus.Gauge
	OpenTrades       prometheus.Gauge

	// Reconciler
	ReconcileChecked     prometheus.Counter
	ReconcileUpdated     prometheus.Counter
	ReconcileTimeouts    prometheus.Counter
	ReconcileRateLimited prometheus.Counter
	ReconcileCycle       prometheus.Histogram

	// Event bus
	EventsDropped *prometheus.CounterVec

	// Degradation
	Degrade *prometheus.CounterVec

	// Broker
	BrokerHealth    *prometheus.GaugeVec
	RateUtilization *prometheus.GaugeVec
}

// NewRegistry builds and registers the full instrument set against a private
// Prometheus registry so multiple instances can coexist in tests.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		TicksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_ticks_processed_total",
			Help: "Ticks accepted after dedup",
		}),
		TicksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_ticks_duplicate_total",
			Help: "Ticks dropped as duplicates",
		}),
		TicksMissingExchTS: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_ticks_missing_exchange_ts_total",
			Help: "Ticks whose dedup key fell back to receive time",
		}),
		TickProcessingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triframe_tick_processing_seconds",
			Help:    "Dedup plus fan-out latency per tick",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triframe_candles_closed_total",
			Help: "Closed candles by timeframe",
		}, []string{"timeframe"}),
		CandlesPersistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_candles_persist_fail_total",
			Help: "Closed candles that could not be persisted",
		}),

		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triframe_signals_generated_total",
			Help: "Signals emitted by confluence type",
		}, []string{"confluence"}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triframe_orders_placed_total",
			Help: "Orders placed by broker code",
		}, []string{"broker"}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_orders_filled_total",
			Help: "Orders confirmed filled",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triframe_orders_rejected_total",
			Help: "Orders rejected by reason class",
		}, []string{"reason"}),
		OrderPlacement: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triframe_order_placement_seconds",
			Help:    "Broker order placement latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		PendingTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triframe_pending_trades",
			Help: "Trades currently awaiting broker confirmation",
		}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triframe_open_trades",
			Help: "Trades currently open",
		}),

		ReconcileChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_reconcile_checked_total",
			Help: "Pending trades examined by the reconciler",
		}),
		ReconcileUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_reconcile_updated_total",
			Help: "Trades whose broker state changed during reconcile",
		}),
		ReconcileTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_reconcile_timeouts_total",
			Help: "Pending trades timed out without broker contact",
		}),
		ReconcileRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triframe_reconcile_rate_limited_total",
			Help: "Reconcile checks skipped for lack of a semaphore permit",
		}),
		ReconcileCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triframe_reconcile_cycle_seconds",
			Help:    "Full reconcile cycle duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triframe_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}, []string{"topic"}),

		Degrade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triframe_degrade_total",
			Help: "Silent-degradation guard by reason",
		}, []string{"reason"}),

		BrokerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triframe_broker_health",
			Help: "Broker connectivity: 1 healthy, 0 down",
		}, []string{"broker"}),
		RateUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triframe_rate_utilization",
			Help: "Broker rate limiter utilization 0..1",
		}, []string{"broker"}),
	}

	m.reg.MustRegister(
		m.TicksProcessed, m.TicksDuplicate, m.TicksMissingExchTS, m.TickProcessingLatency,
		m.CandlesClosed, m.CandlesPersistFail,
		m.SignalsGenerated,
		m.OrdersPlaced, m.OrdersFilled, m.OrdersRejected, m.OrderPlacement,
		m.PendingTrades, m.OpenTrades,
		m.ReconcileChecked, m.ReconcileUpdated, m.ReconcileTimeouts, m.ReconcileRateLimited, m.ReconcileCycle,
		m.EventsDropped, m.Degrade,
		m.BrokerHealth, m.RateUtilization,
	)

	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying gatherer for the watchdog and for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// StepTimer measures one timed step and records it with the observing
// histogram when stopped.
type StepTimer struct {
	start time.Time
	hist  prometheus.Histogram
}

// NewStepTimer starts a timer against the given histogram.
func NewStepTimer(hist prometheus.Histogram) *StepTimer {
	return &StepTimer{start: time.Now(), hist: hist}
}

// Stop records the elapsed time.
func (t *StepTimer) Stop() {
	t.hist.Observe(time.Since(t.start).Seconds())
}
