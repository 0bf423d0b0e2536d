// Package metrics exposes prometheus collectors for session renewal and access decisions.
// Every method is safe on nil *Metrics, so components work without metrics wired
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "console"

// Renewal results
const (
	RenewalSuccess   = "success"
	RenewalRejected  = "rejected"
	RenewalError     = "error"
	RenewalShared    = "shared"    // request waited for renewal started by another one
	RenewalDiscarded = "discarded" // session was cleared or replaced while renewing
)

type Metrics struct {
	renewals      *prometheus.CounterVec
	replays       prometheus.Counter
	forcedLogouts prometheus.Counter
	gateDecisions *prometheus.CounterVec
}

// New registers collectors in reg. Pass prometheus.NewRegistry() in tests,
// default registerer panics on second registration
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		renewals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_renewals_total",
			Help:      "Access token renewals by result",
		}, []string{"result"}),

		replays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_replays_total",
			Help:      "Requests replayed after access token renewal",
		}),

		forcedLogouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logouts_total",
			Help:      "Sessions terminated because access could not be restored",
		}),

		gateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Access gate decisions by product and outcome",
		}, []string{"product", "outcome"}),
	}
}

func (m *Metrics) Renewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) Replay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) ForcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}

func (m *Metrics) GateDecision(product string, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(product, outcome).Inc()
}
