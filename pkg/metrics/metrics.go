package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for JobRequestsTotal
const (
	OutcomeAssigned   = "assigned"
	OutcomeNoJob      = "no_job"
	OutcomeRejected   = "rejected"
	OutcomeExpired    = "expired"
	OutcomeTerminated = "terminated"
	OutcomeFailed     = "failed"
)

// Request labels for RequestDuration
const (
	RequestJob       = "job"
	RequestJobStatus = "job-status"
)

// Result labels for StatusReportsTotal
const (
	ReportSent    = "sent"
	ReportDropped = "dropped"
)

var (
	// Worker pool metrics
	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spark_workers_total",
			Help: "Number of job slots (configured capacity)",
		},
	)

	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spark_workers_running",
			Help: "Number of job slots currently running a job",
		},
	)

	LedgerJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spark_ledger_jobs",
			Help: "Number of jobs kept in the local job ledger",
		},
	)

	// Lighthouse metrics
	JobRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spark_job_requests_total",
			Help: "Total number of job requests sent to the Lighthouse by outcome",
		},
		[]string{"outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spark_request_duration_seconds",
			Help:    "Time from sending a request to the Lighthouse until its outcome is known",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16},
		},
		[]string{"request"},
	)

	StatusReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spark_status_reports_total",
			Help: "Total number of job status messages by result",
		},
		[]string{"result"},
	)

	BackoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spark_backoffs_total",
			Help: "Total number of backoff pauses after an unanswered request",
		},
	)

	// Job metrics
	JobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spark_jobs_started_total",
			Help: "Total number of jobs handed to the runner",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spark_jobs_finished_total",
			Help: "Total number of finished jobs by result",
		},
		[]string{"result"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spark_job_duration_seconds",
			Help:    "Job run time in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(LedgerJobs)
	prometheus.MustRegister(JobRequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(StatusReportsTotal)
	prometheus.MustRegister(BackoffsTotal)
	prometheus.MustRegister(JobsStarted)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
