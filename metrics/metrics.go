// Package metrics exposes the router's Prometheus instrumentation. All
// helper methods are safe on a nil *Metrics so instrumentation stays
// optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the router collectors.
type Metrics struct {
	messagesTotal       *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
	activeSessions      *prometheus.GaugeVec
	invocationsInFlight *prometheus.GaugeVec
	authDecisions       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corvo",
			Name:      "router_messages_total",
			Help:      "WAMP messages processed, by realm and message type.",
		}, []string{"realm", "type"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corvo",
			Name:      "broker_events_published_total",
			Help:      "Events dispatched to subscribers, by realm.",
		}, []string{"realm"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corvo",
			Name:      "router_active_sessions",
			Help:      "Sessions currently attached, by realm.",
		}, []string{"realm"}),
		invocationsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corvo",
			Name:      "dealer_invocations_in_flight",
			Help:      "Invocations forwarded to callees and not yet completed, by realm.",
		}, []string{"realm"}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corvo",
			Name:      "router_authorization_decisions_total",
			Help:      "Authorization decisions, by realm, action and outcome.",
		}, []string{"realm", "action", "outcome"}),
	}
	reg.MustRegister(m.messagesTotal, m.eventsPublished, m.activeSessions, m.invocationsInFlight, m.authDecisions)
	return m
}

func (m *Metrics) Message(realm, msgType string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(realm, msgType).Inc()
}

func (m *Metrics) EventPublished(realm string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(realm).Inc()
}

func (m *Metrics) SessionAttached(realm string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(realm).Inc()
}

func (m *Metrics) SessionDetached(realm string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(realm).Dec()
}

func (m *Metrics) InvocationStarted(realm string) {
	if m == nil {
		return
	}
	m.invocationsInFlight.WithLabelValues(realm).Inc()
}

func (m *Metrics) InvocationFinished(realm string) {
	if m == nil {
		return
	}
	m.invocationsInFlight.WithLabelValues(realm).Dec()
}

func (m *Metrics) AuthDecision(realm, action, outcome string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(realm, action, outcome).Inc()
}
