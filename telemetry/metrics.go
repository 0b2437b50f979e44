// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// WebSub
	HubRequests         *prometheus.CounterVec
	HubRequestDuration  *prometheus.HistogramVec
	Callbacks           *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge

	// Scheduler
	JobsScheduled prometheus.Counter
	JobsFired     prometheus.Counter
	JobsCancelled prometheus.Counter
	PendingJobs   prometheus.Gauge

	// Chat delivery
	NotificationsSent *prometheus.CounterVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HubRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "websub_hub_requests_total", Help: "Outbound hub requests by mode and result"}, []string{"mode", "result"})
		HubRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "websub_hub_request_duration_seconds", Help: "Outbound hub request duration seconds", Buckets: prometheus.DefBuckets}, []string{"mode"})
		Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "websub_callbacks_total", Help: "Inbound hub callbacks by kind and result"}, []string{"kind", "result"})
		ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Name: "websub_active_subscriptions", Help: "Subscriptions not yet terminated"})
		JobsScheduled = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_scheduled_total", Help: "Jobs registered (including replacements)"})
		JobsFired = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_fired_total", Help: "Jobs whose instant was reached"})
		JobsCancelled = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_cancelled_total", Help: "Jobs removed before firing, by cancel or replacement"})
		PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{Name: "scheduler_pending_jobs", Help: "Jobs waiting for their instant"})
		NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "notifications_sent_total", Help: "Chat notifications by channel and result"}, []string{"channel", "result"})
	})
}

// ObserveHubRequest records one outbound hub call.
func ObserveHubRequest(mode, result string, d time.Duration) {
	if HubRequests != nil {
		HubRequests.WithLabelValues(mode, result).Inc()
	}
	if HubRequestDuration != nil {
		HubRequestDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// CountCallback records one inbound callback.
func CountCallback(kind, result string) {
	if Callbacks != nil {
		Callbacks.WithLabelValues(kind, result).Inc()
	}
}

// SetActiveSubscriptions records the live subscription count.
func SetActiveSubscriptions(n int) {
	if ActiveSubscriptions != nil {
		ActiveSubscriptions.Set(float64(n))
	}
}

// CountJob records a scheduler transition: "scheduled", "fired" or "cancelled".
func CountJob(event string) {
	var c prometheus.Counter
	switch event {
	case "scheduled":
		c = JobsScheduled
	case "fired":
		c = JobsFired
	case "cancelled":
		c = JobsCancelled
	}
	if c != nil {
		c.Inc()
	}
}

// SetPendingJobs records the number of armed jobs.
func SetPendingJobs(n int) {
	if PendingJobs != nil {
		PendingJobs.Set(float64(n))
	}
}

// CountNotification records one chat delivery attempt.
func CountNotification(channel string, err error) {
	if NotificationsSent == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsSent.WithLabelValues(channel, result).Inc()
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
