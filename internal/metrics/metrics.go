// Package metrics holds the proxy's Prometheus instrumentation. promauto
// registers everything with the default registry; the HTTP layer serves it
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChargerConnected is 1 while a charger session is live.
	ChargerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_proxy_charger_connected",
		Help: "Whether a charger is currently connected.",
	})

	// ActiveBackends tracks the number of registered backends.
	ActiveBackends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_proxy_active_backends",
		Help: "The number of registered backends, inbound and outbound.",
	})

	// EventsBroadcast counts charger events fanned out to backends.
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocpp_proxy_events_broadcast_total",
		Help: "Total number of charger events broadcast to backends.",
	})

	// EventsDropped counts per-backend frames lost to full send queues.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocpp_proxy_events_dropped_total",
		Help: "Total number of event frames dropped because a backend queue was full.",
	})

	// ControlRequests counts lock transitions by verdict.
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_proxy_control_requests_total",
		Help: "Total number of control-lock transitions, labeled by verdict.",
	}, []string{"verdict"})

	// Commands counts backend commands by type and outcome.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_proxy_commands_total",
		Help: "Total number of backend commands forwarded to the charger.",
	}, []string{"command", "outcome"})

	// SessionsOpened counts charging sessions opened in the log.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocpp_proxy_sessions_opened_total",
		Help: "Total number of charging sessions opened.",
	})
)
