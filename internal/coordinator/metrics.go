package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for sync activity.
type Metrics struct {
	attempts *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration prometheus.Histogram
	pending  prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the sync metrics against registerer. A nil
// registerer uses the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabkiosk_sync_attempts_total",
		Help: "Sync attempts partitioned by trigger mode and outcome.",
	}, []string{"mode", "outcome"})
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabkiosk_sync_rows_total",
		Help: "Outbox rows processed by sync, partitioned by result.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tabkiosk_sync_tick_duration_seconds",
		Help:    "Wall time of one sync worker tick.",
		Buckets: prometheus.DefBuckets,
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tabkiosk_outbox_pending",
		Help: "Outbox rows still awaiting remote confirmation after the last tick.",
	})
	registerer.MustRegister(attempts, rows, duration, pending)
	return &Metrics{attempts: attempts, rows: rows, duration: duration, pending: pending}
}

// observe records one finished attempt.
func (m *Metrics) observe(mode Mode, res TickResult) {
	if m == nil {
		return
	}
	outcome := "success"
	if !res.OK() {
		outcome = "failure"
	}
	m.attempts.WithLabelValues(string(mode), outcome).Inc()
	m.rows.WithLabelValues("acked").Add(float64(res.Acked))
	m.rows.WithLabelValues("failed").Add(float64(res.Result.Failed))
	m.rows.WithLabelValues("conflict").Add(float64(res.Conflicts))
	m.duration.Observe(res.Elapsed.Seconds())
	if res.Err == nil {
		m.pending.Set(float64(res.Pending))
	}
}

// SetPending reports the current outbox backlog.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
