// Package metrics holds the Prometheus collectors of the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickd"

// Scheduler records coordinating loop measurements. It implements scheduler.Metrics.
type Scheduler struct {
	polls        *prometheus.CounterVec
	pollDuration prometheus.Histogram
	dueJobs      prometheus.Gauge
	dispatched   *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	running      prometheus.Gauge
}

// Registry bundles a dedicated registry with the scheduler collectors.
type Registry struct {
	reg       *prometheus.Registry
	Scheduler *Scheduler
}

// New creates a registry with process and Go runtime collectors plus the scheduler set.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg, Scheduler: NewScheduler(reg)}
}

func NewScheduler(reg prometheus.Registerer) *Scheduler {
	m := &Scheduler{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles by result",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent querying and dispatching due jobs",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		dueJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_jobs",
			Help:      "Due jobs found by the last poll",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Jobs handed to the worker pool",
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "Due jobs not dispatched, by reason",
		}, []string{"job", "reason"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by status",
		}, []string{"job", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Jobs currently admitted by the concurrency guard",
		}),
	}
	reg.MustRegister(m.polls, m.pollDuration, m.dueJobs, m.dispatched, m.skipped, m.runs, m.runDuration, m.running)
	return m
}

func (m *Scheduler) PollFinished(dur time.Duration, due int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(dur.Seconds())
	m.dueJobs.Set(float64(due))
}

func (m *Scheduler) Dispatched(job string) { m.dispatched.WithLabelValues(job).Inc() }

func (m *Scheduler) Skipped(job, reason string) { m.skipped.WithLabelValues(job, reason).Inc() }

func (m *Scheduler) RunFinished(job, status string, dur time.Duration) {
	m.runs.WithLabelValues(job, status).Inc()
	m.runDuration.WithLabelValues(job).Observe(dur.Seconds())
}

func (m *Scheduler) Running(n int) { m.running.Set(float64(n)) }

// GaugeFunc registers a gauge sampled at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter sampled at scrape time.
func (r *Registry) CounterFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
