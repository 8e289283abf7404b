package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProcessesTotal tracks live processes by state.
	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aether_processes_total",
			Help: "Total number of processes by state",
		},
		[]string{"state"},
	)

	ProcessSpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aether_process_spawns_total",
			Help: "Total number of processes spawned",
		},
	)

	ProcessSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aether_process_spawn_duration_seconds",
			Help:    "Time taken to spawn a process in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EventsPublishedTotal tracks bus throughput by topic.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aether_events_published_total",
			Help: "Total number of events published by topic",
		},
		[]string{"topic"},
	)

	MemoryRecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aether_memory_records_total",
			Help: "Total number of memory records by layer",
		},
		[]string{"layer"},
	)

	CronJobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aether_cron_jobs_total",
			Help: "Total number of scheduled cron jobs",
		},
	)

	SnapshotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aether_snapshots_total",
			Help: "Total number of stored snapshots",
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aether_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeadLettersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aether_webhook_dead_letters_total",
			Help: "Total number of dead-lettered webhook deliveries",
		},
	)

	ClusterNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aether_cluster_nodes_total",
			Help: "Total number of cluster nodes by status",
		},
		[]string{"status"},
	)

	WSConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aether_ws_connections_total",
			Help: "Total number of open WebSocket connections",
		},
	)

	WSBackpressureDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aether_ws_backpressure_drops_total",
			Help: "Total number of non-critical events dropped under WebSocket backpressure",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aether_commands_total",
			Help: "Total number of dispatched commands by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aether_command_duration_seconds",
			Help:    "Command dispatch duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		ProcessesTotal,
		ProcessSpawnsTotal,
		ProcessSpawnDuration,
		EventsPublishedTotal,
		MemoryRecordsTotal,
		CronJobsTotal,
		SnapshotsTotal,
		WebhookDeliveriesTotal,
		WebhookDeadLettersTotal,
		ClusterNodesTotal,
		WSConnectionsTotal,
		WSBackpressureDropsTotal,
		CommandsTotal,
		CommandDuration,
	)
}

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
