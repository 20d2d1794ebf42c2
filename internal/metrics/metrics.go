// Package metrics defines the Prometheus collectors for the messaging service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"type"}, // text, image, file
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_conversations_created_total",
			Help: "Total conversations created",
		},
	)

	// Realtime metrics
	ChannelsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_ws_channels_open",
			Help: "Currently open websocket channels",
		},
	)

	BroadcastsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_ws_broadcasts_delivered_total",
			Help: "Realtime events enqueued to a channel",
		},
		[]string{"event"},
	)

	BroadcastsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_ws_broadcasts_dropped_total",
			Help: "Realtime events dropped at a full channel queue (ephemeral only)",
		},
		[]string{"event"},
	)

	BroadcastsDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_ws_broadcasts_deferred_total",
			Help: "Durable realtime events handed to a blocking per-channel delivery",
		},
		[]string{"event"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_ws_rate_limit_hits_total",
			Help: "Websocket events rejected by the per-connection rate limiter",
		},
	)
)
