package x402

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeFulfilled = "fulfilled"
	outcomeRejected  = "rejected"
	outcomeFailed    = "settlement_failed"
)

// Metrics counts challenges and payment outcomes. A nil *Metrics records nothing.
type Metrics struct {
	challenges *prometheus.CounterVec
	payments   *prometheus.CounterVec
}

// NewMetrics registers the payment counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		challenges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "challenges_issued_total",
			Help:      "Payment challenges issued, by protocol version.",
		}, []string{"version"}),
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "payments_total",
			Help:      "Paid requests by outcome and error code.",
		}, []string{"outcome", "code"}),
	}
}

func (m *Metrics) challengeIssued(version int) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(strconv.Itoa(version)).Inc()
}

func (m *Metrics) outcome(outcome, code string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome, code).Inc()
}
