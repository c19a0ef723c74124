package governor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes a Governor's usage_summary() as Prometheus gauges.
type Metrics struct {
	fiveHourPct *prometheus.GaugeVec
	sevenDayPct *prometheus.GaugeVec
	paused      prometheus.Gauge
}

// NewMetrics registers gauges on reg. Pass prometheus.NewRegistry() in tests
// to avoid colliding with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fiveHourPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "undercity",
			Subsystem: "governor",
			Name:      "five_hour_pct",
			Help:      "Fraction of the rolling 5-hour token ceiling consumed, per model tier.",
		}, []string{"tier"}),
		sevenDayPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "undercity",
			Subsystem: "governor",
			Name:      "seven_day_pct",
			Help:      "Fraction of the rolling 7-day token ceiling consumed, per model tier.",
		}, []string{"tier"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "undercity",
			Subsystem: "governor",
			Name:      "paused",
			Help:      "1 if the engine is currently paused awaiting a rate-limit resume, else 0.",
		}),
	}
	reg.MustRegister(m.fiveHourPct, m.sevenDayPct, m.paused)
	return m
}

// Observe refreshes the gauges from a fresh usage_summary() snapshot.
func (m *Metrics) Observe(ctx context.Context, g *Governor) error {
	summary, err := g.UsageSummary(ctx)
	if err != nil {
		return err
	}
	for tier, usage := range summary.PerTier {
		m.fiveHourPct.WithLabelValues(string(tier)).Set(usage.FiveHourPct)
		m.sevenDayPct.WithLabelValues(string(tier)).Set(usage.SevenDayPct)
	}
	if summary.Paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
	return nil
}
