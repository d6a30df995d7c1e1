// Package metrics holds the Prometheus collectors for the signup pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// admissionTotal counts pipeline outcomes by the stage that decided them.
	admissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_admission_total",
			Help: "Total number of signup attempts by deciding stage and outcome",
		},
		[]string{"stage", "outcome", "status"},
	)

	admissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlist_admission_duration_seconds",
			Help:    "Signup pipeline duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"outcome"},
	)

	rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_rate_limit_decisions_total",
			Help: "Rate limit decisions by scope",
		},
		[]string{"scope", "decision"}, // decision: allowed|limited
	)

	// rateLimitFallbacks counts checks decided by the failure policy instead
	// of the counter store.
	rateLimitFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_rate_limit_fallback_total",
			Help: "Rate limit checks decided by the store failure policy",
		},
		[]string{"scope", "policy"}, // policy: fail_open|fail_closed
	)

	blockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_blocked_requests_total",
			Help: "Requests rejected by heuristics",
		},
		[]string{"reason"},
	)

	timingNoise = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waitlist_timing_noise_seconds",
			Help:    "Injected response delay in seconds",
			Buckets: []float64{0.05, 0.075, 0.1, 0.125, 0.15, 0.2},
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_notifications_total",
			Help: "Notification deliveries by result",
		},
		[]string{"result"}, // result: sent|failed|dropped|circuit_open
	)

	notificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waitlist_notification_queue_depth",
			Help: "Notifications waiting for a worker",
		},
	)

	auditArchiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_audit_archived_total",
			Help: "Blocked-request records handed to the archive sink",
		},
		[]string{"result"}, // result: ok|failed|dropped
	)
)

// RecordAdmission records one pipeline outcome.
func RecordAdmission(stage, outcome string, status int, elapsed time.Duration) {
	admissionTotal.WithLabelValues(stage, outcome, strconv.Itoa(status)).Inc()
	admissionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func RecordRateLimit(scope string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "limited"
	}
	rateLimitDecisions.WithLabelValues(scope, decision).Inc()
}

func RecordRateLimitFallback(scope string, failClosed bool) {
	policy := "fail_open"
	if failClosed {
		policy = "fail_closed"
	}
	rateLimitFallbacks.WithLabelValues(scope, policy).Inc()
}

func RecordBlocked(reason string) {
	blockedTotal.WithLabelValues(reason).Inc()
}

func RecordTimingNoise(d time.Duration) {
	timingNoise.Observe(d.Seconds())
}

func RecordNotification(result string) {
	notificationsTotal.WithLabelValues(result).Inc()
}

func SetNotificationQueueDepth(n int) {
	notificationQueueDepth.Set(float64(n))
}

func RecordAuditArchive(result string, n int) {
	auditArchiveTotal.WithLabelValues(result).Add(float64(n))
}
