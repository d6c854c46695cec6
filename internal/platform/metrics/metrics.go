// Package metrics holds the Prometheus collectors for task runs, retries and
// reported failures, and the HTTP server that exposes them.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskrunner/internal/adapter/scheduler"
	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	// TaskRuns counts finished task runs per task and result
	TaskRuns *prometheus.CounterVec
	// TaskDuration tracks task run duration
	TaskDuration *prometheus.HistogramVec
	// TasksRunning tracks task bodies currently executing
	TasksRunning prometheus.Gauge
	// RetryAttempts counts backoff waits per operation
	RetryAttempts *prometheus.CounterVec
	// RetryExhausted counts operations that ran out of attempts
	RetryExhausted *prometheus.CounterVec
	// Failures counts reported failures per source and error kind
	Failures *prometheus.CounterVec
}

// New registers all collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them through promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TaskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_task_runs_total",
				Help: "Total number of finished task runs",
			},
			[]string{"task", "result"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskrunner_task_duration_seconds",
				Help:    "Task run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		TasksRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskrunner_tasks_running",
				Help: "Number of task bodies currently executing",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_retry_attempts_total",
				Help: "Total number of retries after a failed attempt",
			},
			[]string{"operation"},
		),
		RetryExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_retry_exhausted_total",
				Help: "Total number of operations that used up all attempts",
			},
			[]string{"operation"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_failures_total",
				Help: "Total number of reported failures",
			},
			[]string{"source", "kind"},
		),
	}
}

// ObserveRun records one finished task run.
func (m *Metrics) ObserveRun(task string, duration time.Duration, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// ObserveRetry records one backoff wait of the named operation.
func (m *Metrics) ObserveRetry(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// ObserveExhausted records an operation that used up all attempts.
func (m *Metrics) ObserveExhausted(operation string) {
	m.RetryExhausted.WithLabelValues(operation).Inc()
}

// Hooks returns scheduler hooks feeding the task collectors.
func (m *Metrics) Hooks() scheduler.JobHooks {
	return scheduler.JobHooks{
		OnJobStart: func(string) {
			m.TasksRunning.Inc()
		},
		OnJobFinish: func(jobName string, duration time.Duration, err error) {
			m.TasksRunning.Dec()
			m.ObserveRun(jobName, duration, err)
		},
	}
}

// Reporter returns a report.Reporter counting failures by source and kind.
func (m *Metrics) Reporter() report.Reporter {
	return report.ReporterFunc(func(_ context.Context, f report.Failure) {
		m.Failures.WithLabelValues(string(f.Source), shared.KindOf(f.Err).String()).Inc()
	})
}
