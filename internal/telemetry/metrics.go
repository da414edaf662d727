package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_enqueued_total", Help: "Total order jobs enqueued"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_rate_limit_rejects_total", Help: "Intake requests rejected by rate limiter"})
	JobSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "order_jobs_completed_total", Help: "Order jobs handled successfully"})
	JobFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "order_jobs_failed_total", Help: "Order jobs that failed terminally"})
	JobRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "order_jobs_retried_total", Help: "Order jobs re-enqueued for retry"})
	JobDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "order_jobs_dead_letter_total", Help: "Order jobs moved to the DLQ"})
	LockBusyRequeues  = prometheus.NewCounter(prometheus.CounterOpts{Name: "order_lock_busy_requeues_total", Help: "Jobs requeued because the order lock was held"})
	NotifyFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "order_notify_failures_total", Help: "Notification publishes that failed"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "order_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "order_jobs_inflight", Help: "Jobs currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobSuccess,
			JobFailures,
			JobRetries,
			JobDeadLetter,
			LockBusyRequeues,
			NotifyFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
