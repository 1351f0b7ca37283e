package check

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relaycheck"

// Metrics counts what a Runner did. A Runner with nil Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry
	sent     prometheus.Counter
	polls    prometheus.Counter
	failures *prometheus.CounterVec
	duration *prometheus.GaugeVec
}

// NewMetrics returns Metrics backed by their own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Test emails accepted by the SMTP relay.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mailbox_polls_total",
			Help:      "Times the mailbox was listed while waiting for delivery.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scenario_failures_total",
			Help:      "Scenarios that ended with an error.",
		}, []string{"scenario"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "scenario_duration_seconds",
			Help:      "How long the last run of each scenario took.",
		}, []string{"scenario"}),
	}
	m.registry.MustRegister(m.sent, m.polls, m.failures, m.duration)
	return m
}

func (m *Metrics) addSent(n int) {
	if m == nil {
		return
	}
	m.sent.Add(float64(n))
}

func (m *Metrics) addPolls(n int) {
	if m == nil {
		return
	}
	m.polls.Add(float64(n))
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(r.Name).Set(r.Duration.Seconds())
	// Make the series exist even for scenarios that never fail.
	c := m.failures.WithLabelValues(r.Name)
	if r.Err != nil {
		c.Inc()
	}
}

// Registry exposes the metrics for a caller that wants to serve them.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the metrics to path in the text exposition format, for
// node_exporter's textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
