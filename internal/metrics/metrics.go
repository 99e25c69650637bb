// Package metrics exposes Prometheus counters for the delivery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_messages_sent_total",
			Help: "Messages confirmed by the transport",
		},
	)

	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_messages_queued_total",
			Help: "Messages stored in the offline queue",
		},
	)

	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_messages_failed_total",
			Help: "Messages that could not be delivered",
		},
		[]string{"reason"}, // "transport" or "store"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_rate_limit_hits_total",
			Help: "Send attempts rejected by the rate limiter",
		},
	)

	QueueFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_queue_flushes_total",
			Help: "Offline queue flush runs",
		},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "supportchat_queue_flush_duration_seconds",
			Help:    "Offline queue flush duration",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// Inbound metrics
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_messages_received_total",
			Help: "Inbound messages added to the visible list",
		},
	)

	InboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_inbound_dropped_total",
			Help: "Inbound messages ignored",
		},
		[]string{"reason"}, // "echo", "duplicate" or "malformed"
	)

	DecryptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_decrypt_failures_total",
			Help: "Inbound or queued messages shown as undecryptable",
		},
	)

	// Key lifecycle
	KeyRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_key_rotations_total",
			Help: "Encryption key rotations",
		},
	)
)
