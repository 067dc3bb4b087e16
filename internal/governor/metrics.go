package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the governor's prometheus instruments.
type metrics struct {
	activeSessions       prometheus.Gauge
	activeConnections    prometheus.Gauge
	sessionRejections    prometheus.Counter
	connectionRejections prometheus.Counter
	rateLimited          prometheus.Counter
	oversizedMessages    prometheus.Counter
	doubleUnregister     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentmux_sessions_active",
			Help: "Number of reserved session slots.",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentmux_connections_active",
			Help: "Number of reserved transport connection slots.",
		}),
		sessionRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_session_rejections_total",
			Help: "Session reservations rejected at the cap.",
		}),
		connectionRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_connection_rejections_total",
			Help: "Connection reservations rejected at the cap.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_rate_limited_total",
			Help: "Commands rejected by a sliding-window rate limit.",
		}),
		oversizedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_oversized_messages_total",
			Help: "Frames rejected for exceeding the message size limit.",
		}),
		doubleUnregister: f.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_double_unregister_errors_total",
			Help: "Slot releases that would have driven a counter below zero.",
		}),
	}
}
