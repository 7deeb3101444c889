package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Currently registered owner connections",
		},
	)

	Arbitrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_arbitrations_total",
			Help: "Duplicate-login arbitrations by outcome",
		},
		[]string{"outcome"}, // timeout, force_logout, keep_existing, superseded, disconnect
	)

	// Room metrics
	RoomJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_room_joins_total",
			Help: "Completed room joins",
		},
	)

	RoomLeaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_room_leaves_total",
			Help: "Completed room leaves",
		},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_posted_total",
			Help: "Messages persisted by type",
		},
		[]string{"msg_type"}, // chat, system, ai
	)

	// History metrics
	HistoryRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_history_requests_total",
			Help: "History page requests accepted (past the load guard)",
		},
	)

	HistoryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_history_retries_total",
			Help: "Retried history store queries",
		},
	)

	HistoryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_history_failures_total",
			Help: "History loads that exhausted retries or timed out",
		},
	)

	// AI streaming metrics
	StreamSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_stream_sessions_total",
			Help: "AI streaming sessions by outcome",
		},
		[]string{"outcome"}, // complete, error, canceled
	)

	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_stream_chunks_total",
			Help: "AI chunks relayed",
		},
	)
)
