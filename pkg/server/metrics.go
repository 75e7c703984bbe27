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

	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesPersisted prometheus.Counter
	sendRejected      *prometheus.CounterVec
	pushes            *prometheus.CounterVec
	presenceBroadcast prometheus.Counter
	framesReceived    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supportline_active_connections",
			Help: "Open live transport connections, registered or not",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supportline_online_users",
			Help: "Presence entries currently marked active",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supportline_connections_total",
			Help: "Live transport connections accepted",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supportline_messages_persisted_total",
			Help: "Messages written to the store",
		}),
		sendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supportline_send_rejected_total",
			Help: "Send attempts that failed, by error kind",
		}, []string{"kind"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supportline_pushes_total",
			Help: "Live push attempts after persistence, by result",
		}, []string{"result"}),
		presenceBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supportline_presence_broadcasts_total",
			Help: "Full presence snapshots broadcast",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supportline_frames_received_total",
			Help: "Live transport frames received, by type",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.onlineUsers,
		m.connectionsTotal,
		m.messagesPersisted,
		m.sendRejected,
		m.pushes,
		m.presenceBroadcast,
		m.framesReceived,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) RecordConnectionOpened() {
	m.connectionsTotal.Inc()
}

func (m *Metrics) RecordOnlineUsers(n int) {
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) RecordMessagePersisted() {
	m.messagesPersisted.Inc()
}

func (m *Metrics) RecordSendRejected(kind string) {
	m.sendRejected.WithLabelValues(kind).Inc()
}

// RecordPush counts a push outcome: "delivered", "offline" or "dropped".
func (m *Metrics) RecordPush(result string) {
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPresenceBroadcast() {
	m.presenceBroadcast.Inc()
}

func (m *Metrics) RecordFrameReceived(msgType string) {
	m.framesReceived.WithLabelValues(msgType).Inc()
}
