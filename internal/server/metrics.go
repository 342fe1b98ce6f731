package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes operational counters for health checks and dashboards.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	ConnectedClients prometheus.Gauge
	QueueDepth       prometheus.Gauge
	MessagesTotal    *prometheus.CounterVec
	AuthFailures     prometheus.Counter
	RoomsCleaned     prometheus.Counter
}

// NewMetrics registers the collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arenacore_active_sessions",
			Help: "Number of live match sessions.",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arenacore_connected_clients",
			Help: "Number of authenticated websocket connections.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arenacore_matchmaking_queue_depth",
			Help: "Number of clients waiting in the matchmaking queue.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenacore_messages_total",
			Help: "Inbound protocol messages by action.",
		}, []string{"action"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "arenacore_auth_failures_total",
			Help: "Rejected authentication attempts.",
		}),
		RoomsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "arenacore_rooms_cleaned_total",
			Help: "Sessions reclaimed by the cleanup sweep.",
		}),
	}
}
