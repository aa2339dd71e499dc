package syncengine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds reconciliation metrics.
type Metrics struct {
	passes       *prometheus.CounterVec
	records      *prometheus.CounterVec
	passDuration prometheus.Histogram
	pending      prometheus.Gauge
}

// Pass result label values.
const (
	PassCompleted = "completed"
	PassAborted   = "aborted"
	PassCancelled = "cancelled"
)

// Record result label values.
const (
	RecordSynced = "synced"
	RecordRetry  = "retry"
	RecordFailed = "failed"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeattend",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeattend",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Buffered records processed by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgeattend",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeattend",
			Subsystem: "sync",
			Name:      "pending_records",
			Help:      "Buffered records awaiting reconciliation after the last pass.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.passes, m.records, m.passDuration, m.pending} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) observePass(result string, seconds float64, pending int) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	m.passDuration.Observe(seconds)
	m.pending.Set(float64(pending))
}

func (m *Metrics) record(result string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(result).Inc()
}
