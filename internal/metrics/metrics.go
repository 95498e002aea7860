// Package metrics exposes engine counters for Prometheus scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	legOutcomes     *prometheus.CounterVec
	legDuration     *prometheus.HistogramVec
	legRetries      prometheus.Counter
	legRequotes     prometheus.Counter
	circuitChanges  *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	invoicesPaid    *prometheus.CounterVec
	sweepExpired    *prometheus.CounterVec
	attestations    *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	realizedSlipBps prometheus.Histogram
}

// New registers the engine collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		legOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "leg_executions_total",
			Help:      "Leg execution outcomes by status and error code.",
		}, []string{"status", "code"}),
		legDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmint",
			Name:      "leg_execution_duration_seconds",
			Help:      "Wall time of one leg execution attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		legRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "leg_retries_total",
			Help:      "Leg attempts that ended in a retryable failure.",
		}),
		legRequotes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "leg_requotes_total",
			Help:      "Stale quotes that triggered a requote.",
		}),
		circuitChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "circuit_state_changes_total",
			Help:      "Circuit breaker transitions by resource type and target state.",
		}, []string{"type", "to"}),
		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "reservations_total",
			Help:      "Reservation attempts by result.",
		}, []string{"result"}),
		invoicesPaid: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "invoices_paid_total",
			Help:      "Invoices settled, by settlement asset.",
		}, []string{"asset"}),
		sweepExpired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "sweep_expired_total",
			Help:      "Rows expired by the sweep, by kind.",
		}, []string{"kind"}),
		attestations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "attestations_total",
			Help:      "Attestation creation results.",
		}, []string{"result"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmint",
			Name:      "attestation_verifications_total",
			Help:      "Attestation and leg proof verification results.",
		}, []string{"kind", "valid"}),
		realizedSlipBps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowmint",
			Name:      "leg_realized_slippage_bps",
			Help:      "Realized slippage of completed legs in basis points.",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 200, 500, 1000},
		}),
	}
}

func (m *Metrics) LegOutcome(status, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.legOutcomes.WithLabelValues(status, code).Inc()
	m.legDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) LegRetry(requote bool) {
	if m == nil {
		return
	}
	m.legRetries.Inc()
	if requote {
		m.legRequotes.Inc()
	}
}

func (m *Metrics) RealizedSlippage(bps int) {
	if m == nil {
		return
	}
	m.realizedSlipBps.Observe(float64(bps))
}

func (m *Metrics) CircuitChange(resourceType, to string) {
	if m == nil {
		return
	}
	m.circuitChanges.WithLabelValues(resourceType, to).Inc()
}

func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) InvoicePaid(asset string) {
	if m == nil {
		return
	}
	m.invoicesPaid.WithLabelValues(asset).Inc()
}

func (m *Metrics) Expired(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepExpired.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Attestation(result string) {
	if m == nil {
		return
	}
	m.attestations.WithLabelValues(result).Inc()
}

func (m *Metrics) Verification(kind string, valid bool) {
	if m == nil {
		return
	}
	v := "false"
	if valid {
		v = "true"
	}
	m.verifications.WithLabelValues(kind, v).Inc()
}
