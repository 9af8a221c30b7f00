package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server gets
// its own registry so multiple instances can coexist in one process.
// All Record methods are safe to call from any goroutine.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal    prometheus.Counter
	disconnectionsTotal prometheus.Counter
	activeSessions      prometheus.Gauge
	loggedInUsers       prometheus.Gauge
	linesReceived       *prometheus.CounterVec
	linesSent           *prometheus.CounterVec
	framingErrors       prometheus.Counter
	integrityDiscards   prometheus.Counter
	authFailures        prometheus.Counter
	notificationsPushed prometheus.Counter
	notificationErrors  prometheus.Counter
	heartbeatsSent      prometheus.Counter
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_connections_total",
			Help: "Total accepted connections",
		}),
		disconnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_disconnections_total",
			Help: "Total connection terminations",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatwire_active_sessions",
			Help: "Currently open connections",
		}),
		loggedInUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatwire_logged_in_users",
			Help: "Users currently present in the registry",
		}),
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatwire_lines_received_total",
			Help: "Inbound protocol lines by opcode",
		}, []string{"opcode"}),
		linesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatwire_lines_sent_total",
			Help: "Outbound protocol lines by opcode",
		}, []string{"opcode"}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_framing_errors_total",
			Help: "Lines discarded for malformed framing",
		}),
		integrityDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_integrity_discards_total",
			Help: "Lines discarded for session identity mismatch",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_auth_failures_total",
			Help: "Failed login and registration attempts",
		}),
		notificationsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_notifications_pushed_total",
			Help: "Fan-out pushes delivered to present subscribers",
		}),
		notificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_notification_errors_total",
			Help: "Fan-out pushes that failed to write",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwire_heartbeats_sent_total",
			Help: "Heartbeat lines sent to idle connections",
		}),
	}

	m.registry.MustRegister(
		m.connectionsTotal,
		m.disconnectionsTotal,
		m.activeSessions,
		m.loggedInUsers,
		m.linesReceived,
		m.linesSent,
		m.framingErrors,
		m.integrityDiscards,
		m.authFailures,
		m.notificationsPushed,
		m.notificationErrors,
		m.heartbeatsSent,
	)

	return m
}

// Handler exposes this server's registry for the internal endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnection()        { m.connectionsTotal.Inc(); m.activeSessions.Inc() }
func (m *Metrics) RecordDisconnection()     { m.disconnectionsTotal.Inc(); m.activeSessions.Dec() }
func (m *Metrics) RecordLoggedInUsers(n int) { m.loggedInUsers.Set(float64(n)) }

func (m *Metrics) RecordLineReceived(opcode string) { m.linesReceived.WithLabelValues(opcode).Inc() }
func (m *Metrics) RecordLineSent(opcode string)     { m.linesSent.WithLabelValues(opcode).Inc() }

func (m *Metrics) RecordFramingError()     { m.framingErrors.Inc() }
func (m *Metrics) RecordIntegrityDiscard() { m.integrityDiscards.Inc() }
func (m *Metrics) RecordAuthFailure()      { m.authFailures.Inc() }

func (m *Metrics) RecordNotificationPushed() { m.notificationsPushed.Inc() }
func (m *Metrics) RecordNotificationError()  { m.notificationErrors.Inc() }
func (m *Metrics) RecordHeartbeat()          { m.heartbeatsSent.Inc() }
