package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications created, by template code",
		},
		[]string{"template_code"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_attempts_total",
			Help: "Delivery attempts by channel and resulting status",
		},
		[]string{"channel", "status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Time spent in the provider send call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	DailyLimitDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_daily_limit_deferrals_total",
			Help: "Deliveries deferred to the next UTC day because the channel cap was reached",
		},
		[]string{"channel"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_dispatch_queue_depth",
			Help: "Notifications waiting in the dispatch queue",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Zeebe jobs completed, by task type",
		},
		[]string{"task_type"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Zeebe jobs failed, by task type and error code",
		},
		[]string{"task_type", "error_code"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_sweep_runs_total",
			Help: "Scheduled sweep executions by sweep name and outcome",
		},
		[]string{"sweep", "outcome"},
	)
)
