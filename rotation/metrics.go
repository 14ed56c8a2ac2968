package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by a Driver.
type Metrics struct {
	Rows     *prometheus.CounterVec
	Fields   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the rotation collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	rows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcrypt",
			Subsystem: "rotation",
			Name:      "rows_total",
			Help:      "Rows visited by the rotation driver, by outcome.",
		},
		[]string{"mode", "table", "outcome"},
	)
	registerer.MustRegister(rows)

	fields := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcrypt",
			Subsystem: "rotation",
			Name:      "fields_total",
			Help:      "Non-null columns visited by the rotation driver, by outcome.",
		},
		[]string{"mode", "table", "outcome"},
	)
	registerer.MustRegister(fields)

	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fieldcrypt",
			Subsystem: "rotation",
			Name:      "target_duration_seconds",
			Help:      "Time spent on one rotation target.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"mode", "table"},
	)
	registerer.MustRegister(duration)

	return &Metrics{
		Rows:     rows,
		Fields:   fields,
		Duration: duration,
	}
}

func (m *Metrics) row(mode Mode, table, outcome string) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues(mode.String(), table, outcome).Inc()
}

func (m *Metrics) field(mode Mode, table, outcome string) {
	if m == nil {
		return
	}
	m.Fields.WithLabelValues(mode.String(), table, outcome).Inc()
}

func (m *Metrics) observe(mode Mode, table string, seconds float64) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(mode.String(), table).Observe(seconds)
}
