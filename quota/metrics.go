package quota

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the gate's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Checks     *prometheus.CounterVec
	Exceeded   *prometheus.CounterVec
	Increments *prometheus.CounterVec
	Contended  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenancy",
			Subsystem: "quota",
			Name:      "checks_total",
			Help:      "Quota checks by key and outcome.",
		}, []string{"key", "result"}),
		Exceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenancy",
			Subsystem: "quota",
			Name:      "exceeded_total",
			Help:      "Denied quota checks by key and enforcement mode.",
		}, []string{"key", "mode"}),
		Increments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenancy",
			Subsystem: "usage",
			Name:      "increments_total",
			Help:      "Units added to usage counters by metric.",
		}, []string{"metric"}),
		Contended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenancy",
			Subsystem: "usage",
			Name:      "lock_timeouts_total",
			Help:      "Usage updates abandoned because the counter lock was not obtained in time.",
		}, []string{"metric"}),
	}
	if reg != nil {
		reg.MustRegister(m.Checks, m.Exceeded, m.Increments, m.Contended)
	}
	return m
}

func (m *Metrics) observeCheck(c Check) {
	if m == nil {
		return
	}
	result := "allowed"
	if !c.Allowed {
		result = "denied"
	}
	m.Checks.WithLabelValues(c.Key, result).Inc()
}

func (m *Metrics) observeExceeded(c Check) {
	if m == nil {
		return
	}
	m.Exceeded.WithLabelValues(c.Key, string(c.Mode)).Inc()
}

func (m *Metrics) observeIncrement(metric string, n int64) {
	if m == nil {
		return
	}
	m.Increments.WithLabelValues(metric).Add(float64(n))
}

func (m *Metrics) observeContended(metric string) {
	if m == nil {
		return
	}
	m.Contended.WithLabelValues(metric).Inc()
}
