// Package metrics exposes the relay's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushsocket"

// Push and message labels.
const (
	PushUrgent        = "urgent"
	PushDeliveryCheck = "delivery_check"
	PushRejected      = "rejected"
	PushFailed        = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	reconnections prometheus.Counter
	messages      *prometheus.CounterVec
	pushes        *prometheus.CounterVec
}

// New builds the collectors on a dedicated registry so tests can create as
// many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Provider websocket sessions currently connected",
		}),
		reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections",
			Help:      "Provider websocket reconnection attempts",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages",
			Help:      "Inbound frames received from the provider, by type",
		}, []string{"type"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes",
			Help:      "Outbound push requests, by kind or outcome",
		}, []string{"type"}),
	}
	m.registry.MustRegister(m.connections, m.reconnections, m.messages, m.pushes)
	return m
}

func (m *Metrics) Connected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) Disconnected() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Reconnection() {
	if m != nil {
		m.reconnections.Inc()
	}
}

func (m *Metrics) Message(kind string) {
	if m != nil {
		m.messages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Push(kind string) {
	if m != nil {
		m.pushes.WithLabelValues(kind).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
