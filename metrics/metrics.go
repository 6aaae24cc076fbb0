// Package metrics holds the agent's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmi_recorder"

// Metrics is a private registry plus the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	Requests    *prometheus.CounterVec
	Responses   *prometheus.CounterVec
	RuleMatches *prometheus.CounterVec
	Backlog     *prometheus.GaugeVec
	Wakeups     prometheus.Counter
}

// New registers a fresh set of collectors on their own registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "vm_event requests consumed from the ring.",
		}, []string{"domain", "reason"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "vm_event responses put on the ring, by disposition.",
		}, []string{"domain", "action"}),
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Sigma rule matches on vm_event requests.",
		}, []string{"rule"}),
		Backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_backlog",
			Help:      "Requests produced but not yet consumed.",
		}, []string{"domain"}),
		Wakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_channel_wakeups_total",
			Help:      "Event channel notifications received.",
		}),
	}
	m.Registry.MustRegister(m.Requests, m.Responses, m.RuleMatches, m.Backlog, m.Wakeups)
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
