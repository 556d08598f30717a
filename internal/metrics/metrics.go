// Package metrics registers the Prometheus instrumentation named in
// spec.md §6 Telemetry: counters for messages received and dropped, gauges
// for session and lag state, and a histogram for batch size.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replayvault_messages_received_total",
			Help: "Total inbound messages received, by partition.",
		},
		[]string{"partition"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replayvault_events_dropped_total",
			Help: "Total inbound messages dropped before any side effect, by cause.",
		},
		[]string{"cause"},
	)

	SessionsHandled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replayvault_sessions_handled",
			Help: "Current number of live SessionManagers.",
		},
	)

	SessionsRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replayvault_sessions_revoked_total",
			Help: "Total SessionManagers destroyed due to partition revoke.",
		},
	)

	RealtimeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replayvault_realtime_sessions",
			Help: "Current number of sessions with an active realtime tail.",
		},
	)

	LagMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replayvault_lag_messages",
			Help: "Consumer lag in messages, by partition.",
		},
		[]string{"partition"},
	)

	LagMilliseconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replayvault_lag_milliseconds",
			Help: "Consumer lag in milliseconds (now - last consumed timestamp), by partition.",
		},
		[]string{"partition"},
	)

	LastCommittedOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replayvault_last_committed_offset",
			Help: "Last offset committed to the broker, by partition.",
		},
		[]string{"partition"},
	)

	CommitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replayvault_commit_failures_total",
			Help: "Total failed offset commit attempts, by partition.",
		},
		[]string{"partition"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replayvault_batch_size",
			Help:    "Number of messages per consumed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replayvault_flush_duration_seconds",
			Help:    "Duration of a session flush (serialize + compress + upload), by reason.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reason"},
	)

	FlushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replayvault_flush_failures_total",
			Help: "Total failed session flush attempts, by reason.",
		},
		[]string{"reason"},
	)
)
