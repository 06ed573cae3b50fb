package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskescrow"

var (
	startTime = time.Now()

	// UptimeSeconds tracks the settlement daemon uptime in seconds
	UptimeSeconds = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "uptime_seconds",
		Help:      "The uptime of the settlement daemon in seconds",
	}, func() float64 { return time.Since(startTime).Seconds() })

	// Task lifecycle transitions by event and resulting status
	TaskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "task_transitions_total",
		Help:      "Task status transitions applied",
	}, []string{"event", "status"})

	TasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "tasks_created_total",
		Help:      "Tasks created in DRAFT",
	})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "evaluations_total",
		Help:      "Evaluations recorded, by vote",
	}, []string{"vote"})

	// Finalized submissions by outcome
	SubmissionsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "submissions_finalized_total",
		Help:      "Submissions settled by consensus",
	}, []string{"outcome"})

	// Ledger gateway calls by operation and outcome
	LedgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Ledger gateway calls after retries",
	}, []string{"op", "outcome"})

	LedgerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Ledger gateway call duration in seconds, retries included",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// Deadline sweep
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Deadline sweeps executed",
	}, []string{"status"})

	SweepTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "tasks_total",
		Help:      "Overdue tasks handled by the sweep",
	}, []string{"outcome"})

	// Total HTTP Request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "endpoint", "status"})

	// HTTP Request duration metrics
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	// Active HTTP requests
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_requests",
		Help:      "Currently active HTTP requests",
	})
)
