package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Readings       *prometheus.CounterVec
	SlotWrites     *prometheus.CounterVec
	DoorEvents     *prometheus.CounterVec
	AlertSends     *prometheus.CounterVec
	TokensEvicted  prometheus.Counter
	OpenSessions   prometheus.Gauge
	ActiveAlarms   prometheus.Gauge
	SessionsKilled *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biodata_readings_total",
			Help: "Inbound readings by outcome.",
		}, []string{"result"}),
		SlotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biodata_slot_writes_total",
			Help: "Slot sample writes by grid and outcome.",
		}, []string{"grid", "result"}),
		DoorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biodata_door_events_total",
			Help: "Door events by lifecycle transition.",
		}, []string{"status"}),
		AlertSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biodata_alert_sends_total",
			Help: "Push notification sends by alert type and outcome.",
		}, []string{"type", "result"}),
		TokensEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "biodata_observer_tokens_evicted_total",
			Help: "Observer push tokens evicted as invalid.",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biodata_open_sessions",
			Help: "Currently open WebSocket sessions.",
		}),
		ActiveAlarms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biodata_active_alarms",
			Help: "Identities with a running alert repeat timer.",
		}),
		SessionsKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biodata_sessions_terminated_total",
			Help: "Sessions closed by the server, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.Readings,
		m.SlotWrites,
		m.DoorEvents,
		m.AlertSends,
		m.TokensEvicted,
		m.OpenSessions,
		m.ActiveAlarms,
		m.SessionsKilled,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
