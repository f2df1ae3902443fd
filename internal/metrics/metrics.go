// Package metrics exposes sub-agent job counters and gauges in Prometheus format.
//
// Counters (monotonic):
//   - subagent_jobs_created_total
//   - subagent_jobs_started_total
//   - subagent_jobs_finished_total{status="done|error"}
//   - subagent_duplicate_terminal_total{kind="result|error"}
//   - subagent_heartbeats_total
//
// Gauges:
//   - subagent_jobs{status}: jobs currently held by the store, per state
//   - subagent_jobs_stale: running jobs whose heartbeat is older than the threshold
//
// The collector is fed by the job store (JobObserver) and the watchdog (StaleGauge).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

// Collector is the Prometheus metrics collector.
type Collector struct {
	registry *prometheus.Registry

	jobsCreated       prometheus.Counter
	jobsStarted       prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	duplicateTerminal *prometheus.CounterVec
	heartbeats        prometheus.Counter

	jobs      *prometheus.GaugeVec
	staleJobs prometheus.Gauge
}

// NewCollector creates a collector with its own registry, so several collectors can coexist in tests.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subagent_jobs_created_total",
			Help: "Total number of async jobs created",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subagent_jobs_started_total",
			Help: "Total number of worker processes started",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subagent_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"status"}),
		duplicateTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subagent_duplicate_terminal_total",
			Help: "Terminal worker messages ignored because the job had already finished",
		}, []string{"kind"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subagent_heartbeats_total",
			Help: "Total number of worker heartbeats applied",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "subagent_jobs",
			Help: "Current number of jobs per state",
		}, []string{"status"}),
		staleJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subagent_jobs_stale",
			Help: "Current number of running jobs with a stale heartbeat",
		}),
	}

	c.registry.MustRegister(
		c.jobsCreated,
		c.jobsStarted,
		c.jobsFinished,
		c.duplicateTerminal,
		c.heartbeats,
		c.jobs,
		c.staleJobs,
	)
	for _, s := range []domain.JobState{domain.JobPending, domain.JobRunning, domain.JobDone, domain.JobError} {
		c.jobs.WithLabelValues(string(s)).Set(0)
	}
	return c
}

// JobCreated records a new pending job.
func (c *Collector) JobCreated() {
	c.jobsCreated.Inc()
	c.jobs.WithLabelValues(string(domain.JobPending)).Inc()
}

// JobTransition records a state change.
func (c *Collector) JobTransition(from, to domain.JobState) {
	c.jobs.WithLabelValues(string(from)).Dec()
	c.jobs.WithLabelValues(string(to)).Inc()
	if to == domain.JobRunning {
		c.jobsStarted.Inc()
	}
	if to.Terminal() {
		c.jobsFinished.WithLabelValues(string(to)).Inc()
	}
}

// JobReaped records removal of a finished job from the store.
func (c *Collector) JobReaped(state domain.JobState) {
	c.jobs.WithLabelValues(string(state)).Dec()
}

// DuplicateTerminal records an ignored terminal message.
func (c *Collector) DuplicateTerminal(kind domain.MessageType) {
	c.duplicateTerminal.WithLabelValues(string(kind)).Inc()
}

// HeartbeatReceived records an applied heartbeat.
func (c *Collector) HeartbeatReceived() {
	c.heartbeats.Inc()
}

// SetStaleJobs sets the stale-jobs gauge.
func (c *Collector) SetStaleJobs(n int) {
	c.staleJobs.Set(float64(n))
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
