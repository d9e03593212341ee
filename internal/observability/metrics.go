package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instruments for one worker or router instance.
// All instruments are labelled by domain so one process can host several
// domain workers on a shared registry.
type Metrics struct {
	registry *prometheus.Registry

	CommandsCompleted  *prometheus.CounterVec
	CommandsFailed     *prometheus.CounterVec
	CommandsRetried    *prometheus.CounterVec
	CommandsToTSQ      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	InFlight           *prometheus.GaugeVec
	StuckTasks         *prometheus.GaugeVec
	QueueDepth         *prometheus.GaugeVec
	RepliesRouted      *prometheus.CounterVec
	ListenerReconnects prometheus.Counter
}

// NewMetrics creates and registers the command bus instruments on a fresh
// registry, alongside the standard Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandbus_commands_completed_total",
			Help: "Commands that reached COMPLETED",
		}, []string{"domain", "command_type"}),
		CommandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandbus_commands_failed_total",
			Help: "Commands that reached FAILED (business rule)",
		}, []string{"domain", "command_type"}),
		CommandsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandbus_commands_retried_total",
			Help: "Retry attempts scheduled with backoff",
		}, []string{"domain", "command_type"}),
		CommandsToTSQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandbus_commands_tsq_total",
			Help: "Commands moved to the troubleshooting queue",
		}, []string{"domain", "command_type"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commandbus_dispatch_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"domain", "command_type"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commandbus_dispatch_inflight",
			Help: "Dispatch tasks currently running",
		}, []string{"domain"}),
		StuckTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commandbus_dispatch_stuck",
			Help: "Dispatch tasks flagged stuck by the watchdog",
		}, []string{"domain"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commandbus_queue_depth",
			Help: "Messages currently on the queue, sampled from pgmq.metrics",
		}, []string{"domain", "queue"}),
		RepliesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandbus_replies_routed_total",
			Help: "Replies routed to process managers, by outcome",
		}, []string{"domain", "outcome"}),
		ListenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandbus_listener_reconnects_total",
			Help: "LISTEN connection drops observed",
		}),
	}

	registry.MustRegister(
		m.CommandsCompleted,
		m.CommandsFailed,
		m.CommandsRetried,
		m.CommandsToTSQ,
		m.DispatchDuration,
		m.InFlight,
		m.StuckTasks,
		m.QueueDepth,
		m.RepliesRouted,
		m.ListenerReconnects,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
