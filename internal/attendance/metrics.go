package attendance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds ledger counters.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	writes    *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// Outcome label values.
const (
	OutcomeAccepted    = "accepted"
	OutcomeDuplicate   = "duplicate"
	OutcomeAlreadyOpen = "already_open"
	OutcomeCompleted   = "completed"
	OutcomeClosed      = "closed"
	OutcomeNoOpen      = "no_open_record"
	OutcomeError       = "error"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeattend",
			Subsystem: "ledger",
			Name:      "outcomes_total",
			Help:      "Ledger decisions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeattend",
			Subsystem: "ledger",
			Name:      "writes_total",
			Help:      "Attendance writes by destination store.",
		}, []string{"operation", "origin"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeattend",
			Subsystem: "ledger",
			Name:      "buffer_fallbacks_total",
			Help:      "Central writes that failed and were redirected to the local buffer.",
		}, []string{"operation"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.outcomes, m.writes, m.fallbacks} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) outcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) write(operation string, origin Origin) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(operation, string(origin)).Inc()
}

func (m *Metrics) fallback(operation string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(operation).Inc()
}
