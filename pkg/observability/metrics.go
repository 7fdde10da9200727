// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the autoscript service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// ExecutionBuckets covers sandbox executions, including the dependency
// install step, from 250ms to 10m.
var ExecutionBuckets = []float64{0.25, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscript_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoscript_request_duration_seconds",
			Help:    "Request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// RunsInFlight tracks pipeline runs currently executing.
	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoscript_pipeline_runs_in_flight",
			Help: "Pipeline runs in flight",
		},
	)

	// PipelineRunsTotal counts finished pipeline runs by outcome
	// (succeeded, exhausted_failure, failed).
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscript_pipeline_runs_total",
			Help: "Pipeline runs",
		},
		[]string{"outcome"},
	)

	// PipelineAttempts records how many execution attempts a run needed.
	PipelineAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoscript_pipeline_attempts",
			Help:    "Execution attempts per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// CodegenRequestsTotal counts generator calls by operation (generate,
	// fix, dependencies) and status.
	CodegenRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscript_codegen_requests_total",
			Help: "Code generation requests",
		},
		[]string{"operation", "status"},
	)

	// CodegenLatency records generator latency in seconds.
	CodegenLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoscript_codegen_latency_seconds",
			Help:    "Code generation latency",
			Buckets: LLMBuckets,
		},
		[]string{"operation"},
	)

	// SandboxExecutionsTotal counts sandbox runs by backend and status
	// (success, failure, timeout, error).
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscript_sandbox_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"backend", "status"},
	)

	// SandboxExecutionSeconds records sandbox execution time by backend.
	SandboxExecutionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoscript_sandbox_execution_seconds",
			Help:    "Sandbox execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"backend"},
	)

	// DigestFilesTotal counts digested input files by unit and status
	// (ok, error, unsupported).
	DigestFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscript_digest_files_total",
			Help: "Digested input files",
		},
		[]string{"unit", "status"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscript_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RunsInFlight,
		PipelineRunsTotal,
		PipelineAttempts,
		CodegenRequestsTotal,
		CodegenLatency,
		SandboxExecutionsTotal,
		SandboxExecutionSeconds,
		DigestFilesTotal,
		RateLimitRejectedTotal,
	)
}
