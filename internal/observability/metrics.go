package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	admissionsTotal       *prometheus.CounterVec
	pipelineJobsTotal     *prometheus.CounterVec
	pipelineJobSeconds    *prometheus.HistogramVec
	pipelineEventsTotal   *prometheus.CounterVec
	sweepTransitionsTotal *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors shared by the API and the workers.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_exam_admissions_total",
			Help: "Exam entry attempts by outcome.",
		}, []string{"outcome"})

		pipelineJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_pipeline_jobs_total",
			Help: "Pipeline jobs processed by stage and outcome.",
		}, []string{"stage", "outcome"})

		pipelineJobSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_pipeline_job_seconds",
			Help:    "Wall time spent on one claimed pipeline job.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"})

		pipelineEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_pipeline_events_published_total",
			Help: "Submission state change events published to brokers.",
		}, []string{"event"})

		sweepTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_maintenance_transitions_total",
			Help: "Rows changed by the maintenance sweep per step.",
		}, []string{"step"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			admissionsTotal,
			pipelineJobsTotal,
			pipelineJobSeconds,
			pipelineEventsTotal,
			sweepTransitionsTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// Admissions exposes the exam entry counter.
func Admissions() *prometheus.CounterVec {
	RegisterMetrics()
	return admissionsTotal
}

// PipelineJobs exposes the per-stage job outcome counter.
func PipelineJobs() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineJobsTotal
}

// PipelineJobDuration exposes the per-stage job duration histogram.
func PipelineJobDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return pipelineJobSeconds
}

// PipelineEvents exposes the published event counter.
func PipelineEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineEventsTotal
}

// SweepTransitions exposes the maintenance sweep counter.
func SweepTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return sweepTransitionsTotal
}
