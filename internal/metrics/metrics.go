// Package metrics exposes Prometheus collectors for the push layer.
//
// Every component receives the same *Metrics; a nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "examrelay"

// Delivery outcomes recorded per recipient.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	connections *prometheus.GaugeVec
	dispatches  *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	memberships *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	invocations *prometheus.CounterVec
}

// New creates collectors on a fresh registry, including Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections per channel.",
		}, []string{"channel"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Envelopes dispatched per channel and event.",
		}, []string{"channel", "event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts by outcome.",
		}, []string{"channel", "outcome"}),
		memberships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_changes_total",
			Help:      "Group join and leave operations.",
		}, []string{"channel", "op"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejections_total",
			Help:      "Handshakes refused by the channel access policy.",
		}, []string{"channel"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Client invocations by method and result.",
		}, []string{"channel", "method", "result"}),
	}

	reg.MustRegister(m.connections, m.dispatches, m.deliveries, m.memberships, m.rejections, m.invocations)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened(channel string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(channel).Inc()
}

func (m *Metrics) ConnectionClosed(channel string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(channel).Dec()
}

func (m *Metrics) Dispatched(channel, event string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(channel, event).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) MembershipChanged(channel, op string) {
	if m == nil {
		return
	}
	m.memberships.WithLabelValues(channel, op).Inc()
}

func (m *Metrics) HandshakeRejected(channel string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(channel).Inc()
}

func (m *Metrics) Invoked(channel, method, result string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(channel, method, result).Inc()
}
