package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

// watchedFamilies are the counter families that indicate silent degradation.
// Traffic on these is expected to be near zero; sustained growth means the
// platform is quietly dropping work.
var watchedFamilies = []string{
	"triframe_degrade_total",
	"triframe_events_dropped_total",
	"triframe_candles_persist_fail_total",
}

// Watchdog periodically sweeps the degradation counters and logs a warning
// whenever a series grew by more than the configured threshold since the
// previous sweep. It reads values back through the client_model types rather
// than keeping shadow counts.
type Watchdog struct {
	metrics   *Registry
	log       zerolog.Logger
	interval  time.Duration
	threshold float64
	last      map[string]float64
}

// NewWatchdog wires a watchdog to a registry. A threshold of 0 warns on any
// growth at all.
func NewWatchdog(m *Registry, log zerolog.Logger, interval time.Duration, threshold float64) *Watchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		metrics:   m,
		log:       log.With().Str("component", "metrics_watchdog").Logger(),
		interval:  interval,
		threshold: threshold,
		last:      make(map[string]float64),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep performs one pass over the watched families. Exported so the ops
// health check and tests can force a sweep.
func (w *Watchdog) Sweep() {
	families, err := w.metrics.Gatherer().Gather()
	if err != nil {
		w.log.Error().Err(err).Msg("metrics gather failed")
		return
	}
	for _, fam := range families {
		if !isWatched(fam.GetName()) {
			continue
		}
		for _, m := range fam.GetMetric() {
			key := seriesKey(fam.GetName(), m)
			val := m.GetCounter().GetValue()
			delta := val - w.last[key]
			w.last[key] = val
			if delta > w.threshold {
				w.log.Warn().
					Str("series", key).
					Float64("delta", delta).
					Float64("total", val).
					Msg("degradation counter rising")
			}
		}
	}
}

func isWatched(name string) bool {
	for _, f := range watchedFamilies {
		if name == f {
			return true
		}
	}
	return false
}

// seriesKey renders a stable identity for one labelled series.
func seriesKey(family string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return family
	}
	pairs := make([]string, 0, len(labels))
	for _, lp := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%s", lp.GetName(), lp.GetValue()))
	}
	sort.Strings(pairs)
	key := family + "{"
	for i, p := range pairs {
		if i > 0 {
			key += ","
		}
		key += p
	}
	return key + "}"
}

// CounterValue reads a counter's current value through the wire model.
func CounterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads a gauge's current value through the wire model.
func GaugeValue(g interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
