// Package prommetrics implements memgate.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/velmie/memgate"
)

const defaultNamespace = "memgate"

// Metrics records write path and worker telemetry.
type Metrics struct {
	writes        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	delivered     prometheus.Counter
	retries       prometheus.Counter
	dead          prometheus.Counter
	errors        prometheus.Counter
	leaseLost     prometheus.Counter
	pending       prometheus.Gauge
}

var _ memgate.Metrics = (*Metrics)(nil)

// New registers the collectors on reg. An empty namespace defaults to "memgate".
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Audited write requests by outcome",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_cycle_duration_seconds",
			Help:      "Duration of one outbox worker cycle in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_delivered_total",
			Help:      "Outbox entries delivered downstream",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_retries_total",
			Help:      "Outbox entries rescheduled after a transient failure",
		}),
		dead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_total",
			Help:      "Outbox entries dead-lettered",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_transition_errors_total",
			Help:      "Outbox transitions that failed to commit",
		}),
		leaseLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_lease_lost_total",
			Help:      "Outbox transitions rejected because the lease was lost",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Current number of pending outbox entries",
		}),
	}
}

// IncWriteOutcome implements memgate.Metrics.
func (m *Metrics) IncWriteOutcome(outcome memgate.Outcome) {
	m.writes.WithLabelValues(string(outcome)).Inc()
}

// ObserveCycleDuration implements memgate.Metrics.
func (m *Metrics) ObserveCycleDuration(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

// AddDelivered implements memgate.Metrics.
func (m *Metrics) AddDelivered(n int) { add(m.delivered, n) }

// AddRetries implements memgate.Metrics.
func (m *Metrics) AddRetries(n int) { add(m.retries, n) }

// AddDead implements memgate.Metrics.
func (m *Metrics) AddDead(n int) { add(m.dead, n) }

// AddErrors implements memgate.Metrics.
func (m *Metrics) AddErrors(n int) { add(m.errors, n) }

// AddLeaseLost implements memgate.Metrics.
func (m *Metrics) AddLeaseLost(n int) { add(m.leaseLost, n) }

// SetPending implements memgate.Metrics.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

func add(c prometheus.Counter, n int) {
	if n > 0 {
		c.Add(float64(n))
	}
}
