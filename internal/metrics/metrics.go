// ============================================================================
// Job Dispatcher Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: expose the counters/histograms/gauges an operator needs to watch
// the pipeline - intake, splitting, dispatch, and reaping - end to end.
//
// Metric Categories:
//
//   1. Pipeline counters - cumulative, monotonically increasing:
//      - dispatcher_events_submitted_total
//      - dispatcher_jobs_split_total / dispatcher_tasks_created_total
//      - dispatcher_tasks_dispatched_total
//      - dispatcher_tasks_finished_total{outcome="finished|failed"}
//      - dispatcher_tasks_requeued_total (continuation or collector-reclaimed)
//      - dispatcher_jobs_reaped_total
//
//   2. Performance metrics (Histogram):
//      - dispatcher_task_latency_seconds: time from first dispatch to finish
//
//   3. Status metrics (Gauge) - instantaneous:
//      - dispatcher_ready_queue_depth
//      - dispatcher_running_tasks
//
// Prometheus query examples:
//
//   rate(dispatcher_tasks_finished_total{outcome="failed"}[5m])
//   histogram_quantile(0.95, dispatcher_task_latency_seconds_bucket)
//   dispatcher_ready_queue_depth + dispatcher_running_tasks
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the dispatcher's Prometheus metrics.
type Collector struct {
	eventsSubmitted prometheus.Counter
	jobsSplit       prometheus.Counter
	tasksCreated    prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	tasksRequeued   prometheus.Counter
	jobsReaped      prometheus.Counter

	taskLatency prometheus.Histogram

	readyQueueDepth prometheus.Gauge
	runningTasks    prometheus.Gauge
}

// NewCollector creates and registers a metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		eventsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_events_submitted_total",
			Help: "Total number of events accepted by intake",
		}),
		jobsSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_jobs_split_total",
			Help: "Total number of jobs processed by the splitter",
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_created_total",
			Help: "Total number of tasks created by the splitter or spawned by running handlers",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_dispatched_total",
			Help: "Total number of tasks handed to an executor",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state, by outcome",
		}, []string{"outcome"}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_requeued_total",
			Help: "Total number of tasks requeued, via continuation or collector reclaim",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_jobs_reaped_total",
			Help: "Total number of finished job subtrees removed by the collector",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_task_latency_seconds",
			Help:    "Time from a task's first dispatch to its terminal state, in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		readyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_ready_queue_depth",
			Help: "Current number of tasks waiting in the ready queue",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_running_tasks",
			Help: "Current number of tasks registered as running",
		}),
	}

	prometheus.MustRegister(
		c.eventsSubmitted, c.jobsSplit, c.tasksCreated, c.tasksDispatched,
		c.tasksFinished, c.tasksRequeued, c.jobsReaped, c.taskLatency,
		c.readyQueueDepth, c.runningTasks,
	)
	return c
}

// RecordEventSubmitted records an intake.SubmitEvent call.
func (c *Collector) RecordEventSubmitted() { c.eventsSubmitted.Inc() }

// RecordJobSplit records one splitter pass over a job, having created
// taskCount tasks (zero is valid: no handler matched).
func (c *Collector) RecordJobSplit(taskCount int) {
	c.jobsSplit.Inc()
	c.tasksCreated.Add(float64(taskCount))
}

// RecordTaskCreated records a single task created outside a splitter pass
// (a sub-task spawned by a running handler).
func (c *Collector) RecordTaskCreated() { c.tasksCreated.Inc() }

// RecordDispatch records a task handed to an executor.
func (c *Collector) RecordDispatch() { c.tasksDispatched.Inc() }

// RecordFinished records a task reaching a terminal state, with its latency
// since first dispatch.
func (c *Collector) RecordFinished(outcome string, latencySeconds float64) {
	c.tasksFinished.WithLabelValues(outcome).Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordRequeued records a task going back to the ready queue, whether via
// a Continue outcome or the collector's running sweep.
func (c *Collector) RecordRequeued() { c.tasksRequeued.Inc() }

// RecordJobReaped records the control sweep removing a finished job subtree.
func (c *Collector) RecordJobReaped() { c.jobsReaped.Inc() }

// UpdateQueueStats sets the instantaneous queue-depth gauges.
func (c *Collector) UpdateQueueStats(readyDepth, running int) {
	c.readyQueueDepth.Set(float64(readyDepth))
	c.runningTasks.Set(float64(running))
}

// StartServer starts the Prometheus /metrics HTTP server on port. Blocks
// until the server stops or errors.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
