package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	SessionsByState *prometheus.GaugeVec
	AuthFlows       *prometheus.CounterVec
	PollTicks       *prometheus.CounterVec
	SweepRevoked    prometheus.Counter
	EchoMessages    prometheus.Counter
}

// NewMetrics creates and registers the Prometheus metrics on reg. Passing a
// fresh registry keeps tests free of duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authgate_sessions",
				Help: "Number of live sessions by state.",
			},
			[]string{"state"},
		),
		AuthFlows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_auth_flows_total",
				Help: "Device authorization flows by terminal result.",
			},
			[]string{"result"},
		),
		PollTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_poll_ticks_total",
				Help: "Token poll ticks by outcome.",
			},
			[]string{"outcome"},
		),
		SweepRevoked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "authgate_sweep_revocations_total",
				Help: "Sessions revoked by the idle sweep.",
			},
		),
		EchoMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "authgate_echo_messages_total",
				Help: "Messages echoed to authenticated users.",
			},
		),
	}
}

// RecordFlowResult records a terminal device flow result.
func (m *Metrics) RecordFlowResult(result string) {
	m.AuthFlows.WithLabelValues(result).Inc()
}

// RecordPollTick records one poll tick outcome.
func (m *Metrics) RecordPollTick(outcome string) {
	m.PollTicks.WithLabelValues(outcome).Inc()
}
