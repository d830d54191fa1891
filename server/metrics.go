package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsClosed   *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
	messagesRouted      *prometheus.CounterVec
	broadcasts          prometheus.Counter
	broadcastRecipients prometheus.Counter
	trackedConnections  prometheus.Gauge
	activeSessions      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_accepted_total",
			Help: "Client connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_closed_total",
			Help: "Client connections torn down, by reason.",
		}, []string{"reason"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_attempts_total",
			Help: "Login attempts, by result.",
		}, []string{"result"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Direct messages, by result.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Lists-changed broadcasts.",
		}),
		broadcastRecipients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_recipients_total",
			Help: "Sessions reached by lists-changed broadcasts.",
		}),
		trackedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open client connections.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Authenticated sessions.",
		}),
	}

	m.registry.MustRegister(
		m.connectionsAccepted,
		m.connectionsClosed,
		m.authAttempts,
		m.messagesRouted,
		m.broadcasts,
		m.broadcastRecipients,
		m.trackedConnections,
		m.activeSessions,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) connectionAccepted(tracked int) {
	m.connectionsAccepted.Inc()
	m.trackedConnections.Set(float64(tracked))
}

func (m *Metrics) connectionClosed(reason string, tracked, sessions int) {
	m.connectionsClosed.WithLabelValues(reason).Inc()
	m.trackedConnections.Set(float64(tracked))
	m.activeSessions.Set(float64(sessions))
}

func (m *Metrics) authSucceeded(sessions int) {
	m.authAttempts.WithLabelValues("success").Inc()
	m.activeSessions.Set(float64(sessions))
}

func (m *Metrics) authFailed() {
	m.authAttempts.WithLabelValues("failure").Inc()
}

func (m *Metrics) messageDelivered() {
	m.messagesRouted.WithLabelValues("delivered").Inc()
}

func (m *Metrics) messageRejected() {
	m.messagesRouted.WithLabelValues("rejected").Inc()
}

func (m *Metrics) broadcastSent(recipients int) {
	m.broadcasts.Inc()
	m.broadcastRecipients.Add(float64(recipients))
}
