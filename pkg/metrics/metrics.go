// Package metrics exposes FleetRun's Prometheus metrics, following the
// teacher's package-level-vars-plus-init pattern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetrun_workers_total",
			Help: "Total number of workers by platform and sync state",
		},
		[]string{"platform", "sync_state"},
	)

	TasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetrun_tasks_queued",
			Help: "Number of tasks currently waiting in the FIFO queue",
		},
	)

	TasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetrun_tasks_in_flight",
			Help: "Number of tasks currently assigned to a worker, by state",
		},
		[]string{"state"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetrun_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"outcome"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_task_duration_seconds",
			Help:    "Time from task assignment to terminal state, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent metrics
	AgentChildrenActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetrun_agent_children_active",
			Help: "Number of forked child processes currently tracked by an agent",
		},
	)

	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetrun_agent_calls_total",
			Help: "Total number of calls handled by an agent, by identifier kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Sync metrics
	SyncLayersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetrun_sync_layers_total",
			Help: "Total number of layers appended to the sync stack",
		},
	)

	SyncDeltaComputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_sync_delta_compute_duration_seconds",
			Help:    "Time taken to compute one layer's delta against a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_sync_apply_duration_seconds",
			Help:    "Time taken for one worker to apply one layer's delta",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetrun_scheduling_latency_seconds",
			Help:    "Time from task enqueue to task assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(AgentChildrenActive)
	prometheus.MustRegister(AgentCallsTotal)
	prometheus.MustRegister(SyncLayersTotal)
	prometheus.MustRegister(SyncDeltaComputeDuration)
	prometheus.MustRegister(SyncApplyDuration)
	prometheus.MustRegister(SchedulingLatency)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-progress operation's elapsed duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
