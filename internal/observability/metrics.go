package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grouped_history"

// Save results recorded in SavesTotal.
const (
	SaveResultOK    = "ok"
	SaveResultError = "error"
)

// Metrics holds the collectors shared by the store, codec and service.
// All helper methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry           *prometheus.Registry
	Groups             prometheus.Gauge
	Records            prometheus.Gauge
	SavesTotal         *prometheus.CounterVec
	DecodeSkippedTotal prometheus.Counter
	SaveDuration       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on a private registry,
// so several instances can coexist in one process.
func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups",
			Help:      "Number of groups in the store",
		}),
		Records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Number of records across all groups",
		}),
		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Total persistence writes by result",
		}, []string{"result"}),
		DecodeSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_skipped_total",
			Help:      "Total malformed records skipped while loading",
		}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Time spent encoding and writing the store",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	r.MustRegister(m.Groups, m.Records, m.SavesTotal, m.DecodeSkippedTotal, m.SaveDuration)
	return m
}

// Registry returns the registry holding all collectors, for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetStoreSize records the current group and record totals.
func (m *Metrics) SetStoreSize(groups, records int) {
	if m == nil {
		return
	}
	m.Groups.Set(float64(groups))
	m.Records.Set(float64(records))
}

// ObserveSave records one persistence attempt.
func (m *Metrics) ObserveSave(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(result).Inc()
	m.SaveDuration.Observe(d.Seconds())
}

// DecodeSkipped counts one malformed record dropped during decode.
func (m *Metrics) DecodeSkipped() {
	if m == nil {
		return
	}
	m.DecodeSkippedTotal.Inc()
}
