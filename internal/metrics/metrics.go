package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Task lifecycle metrics
	// ============================================
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"task_type"},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"task_type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_task_duration_seconds",
			Help:    "Task execution duration from start to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"task_type"},
	)

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_queue_depth",
		Help: "Number of tasks currently pending",
	})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_tasks_running",
		Help: "Number of tasks currently running",
	})

	// ============================================
	// Quota metrics
	// ============================================
	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_quota_rejections_total",
		Help: "Total number of submissions rejected for insufficient quota",
	})

	QuotaRefunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_quota_refunds_total",
		Help: "Total number of quota refunds issued",
	})

	// ============================================
	// Worker slot metrics
	// ============================================
	SlotState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_worker_slots",
			Help: "Number of worker slots per GPU and state",
		},
		[]string{"gpu_index", "state"},
	)

	WorkerCrashes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_worker_crashes_total",
			Help: "Total number of worker process crashes",
		},
		[]string{"gpu_index"},
	)

	// ============================================
	// Artifact metrics
	// ============================================
	ArtifactsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_artifacts_stored_total",
		Help: "Total number of artifacts ingested",
	})

	ArtifactsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_artifacts_swept_total",
		Help: "Total number of artifacts removed by the expiry sweep",
	})

	// ============================================
	// HTTP metrics
	// ============================================
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_websocket_connections",
		Help: "Number of active WebSocket connections",
	})
)
