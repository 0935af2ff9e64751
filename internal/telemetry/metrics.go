package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики конвейера. Регистрируются в prometheus.DefaultRegisterer
// и отдаются на /metrics каждого бинарника.
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_http_requests_total",
		Help: "HTTP requests handled by the API, by route pattern",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_http_request_duration_seconds",
		Help:    "API request latency by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_batches_created_total",
		Help: "Batches created",
	})

	BatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_batches_finished_total",
		Help: "Batches that reached a terminal status",
	}, []string{"status"})

	MessagesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_messages_scheduled_total",
		Help: "Messages assigned a send slot",
	})

	SchedulingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_scheduling_failures_total",
		Help: "Messages failed because no slot fit before the horizon",
	})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_claim_conflicts_total",
		Help: "Claims lost to another worker",
	})

	ClaimsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_claims_reaped_total",
		Help: "Expired sending claims returned to scheduled",
	})

	SendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_send_attempts_total",
		Help: "Transport calls by outcome",
	}, []string{"outcome"})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outreach_send_duration_seconds",
		Help:    "Transport call latency",
		Buckets: prometheus.DefBuckets,
	})

	TrackingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_tracking_events_total",
		Help: "Recorded delivery tracking events",
	}, []string{"event"})
)
