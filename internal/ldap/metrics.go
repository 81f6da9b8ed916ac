package ldap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated by connections and pools.
type Metrics struct {
	// Operations counts classified operations by operation name and status.
	Operations *prometheus.CounterVec

	// ResultWait observes how long result retrievals blocked.
	ResultWait *prometheus.HistogramVec

	// PoolConnections tracks idle and active pooled connections.
	PoolConnections *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldap_operations_total",
				Help: "Number of LDAP operations by classified status.",
			},
			[]string{"operation", "status"}),

		ResultWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ldap_result_wait_seconds",
				Help:    "Time spent waiting for LDAP results.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"operation"}),

		PoolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ldap_pool_connections",
				Help: "Number of pooled LDAP connections by state.",
			},
			[]string{"state"}),
	}
}

func (m *Metrics) observeOperation(operation string, status Status) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, status.String()).Inc()
}

func (m *Metrics) observeWait(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResultWait.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) setPool(idle int, active int64) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues("idle").Set(float64(idle))
	m.PoolConnections.WithLabelValues("active").Set(float64(active))
}
