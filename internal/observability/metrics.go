package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	WebSocketConnectionsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
		[]string{"service"},
	)

	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_total",
			Help: "Change feed events delivered to listeners",
		},
		[]string{"collection", "operation"},
	)

	FeedHandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_handler_failures_total",
			Help: "Change feed listener errors and panics",
		},
		[]string{"collection"},
	)

	MessagesDeduplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_deduplicated_total",
			Help: "Messages dropped because they were already in the conversation",
		},
		[]string{"source"},
	)

	MessagePageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_page_fetch_duration_seconds",
			Help:    "Duration of a two-directional message page fetch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"page"},
	)

	CallTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_transitions_total",
			Help: "Call state machine transitions",
		},
		[]string{"from", "to"},
	)

	MediaJoinFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_join_failures_total",
			Help: "Media engine join failures after a call was accepted",
		},
	)

	OutboxPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of outbox publish failures",
		},
		[]string{"service", "topic"},
	)
)
