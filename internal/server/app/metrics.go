package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the server's operational counters.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	TurnsStarted      prometheus.Counter
	TurnsRejectedBusy prometheus.Counter
	ApprovalsAnswered prometheus.Counter
	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	ActiveConnections prometheus.Gauge
}

// NewMetrics registers the server metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Number of sessions created since process start.",
		}),
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "turns_started_total",
			Help: "Number of agent turns started.",
		}),
		TurnsRejectedBusy: factory.NewCounter(prometheus.CounterOpts{
			Name: "turns_rejected_busy_total",
			Help: "Number of chat messages rejected because a turn was in flight.",
		}),
		ApprovalsAnswered: factory.NewCounter(prometheus.CounterOpts{
			Name: "approvals_answered_total",
			Help: "Number of approval decisions recorded.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Number of session events delivered to subscribers.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Number of session events dropped due to full subscriber buffers.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Currently connected event stream clients.",
		}),
	}
}
