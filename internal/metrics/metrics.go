package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks breaker transitions for redis and marketplace
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Events relayed through Redis pub/sub by direction and result",
		},
		[]string{"direction", "result"},
	)
)

// Fan-out Hub Metrics
var (
	HubActiveTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_topics",
			Help: "Number of sessions with at least one local subscriber",
		},
	)

	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_subscribers_current",
			Help: "Current number of local subscriptions across all sessions",
		},
	)

	HubEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_published_total",
			Help: "Events accepted by the hub by type",
		},
		[]string{"type"},
	)

	// HubEventsDropped counts lossy events skipped for slow subscribers
	HubEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_dropped_total",
			Help: "Lossy events dropped because a subscriber queue was full",
		},
		[]string{"type"},
	)

	HubSlowConsumersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_consumers_evicted_total",
			Help: "Subscribers evicted because their queue filled on a reliable event",
		},
	)

	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Pending commands in the hub actor channel",
		},
	)

	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_total",
			Help: "Recovered panics in the hub actor or subscriber handlers",
		},
	)
)

// WebSocket Metrics
var (
	WebSocketConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current live WebSocket connections by role",
		},
		[]string{"role"},
	)

	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time to write one frame to a WebSocket client",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)

	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Ping frames that could not be written",
		},
	)

	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Rejected WebSocket upgrades by reason",
		},
		[]string{"reason"},
	)

	WebSocketRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_rate_limited_total",
			Help: "Inbound frames rejected by the per-connection limiter",
		},
		[]string{"kind"},
	)
)

// Session Metrics
var (
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session status transitions by target status",
		},
		[]string{"to"},
	)

	SessionGraceExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_grace_expired_total",
			Help: "Sessions ended by the system after the host grace period",
		},
	)

	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages accepted by author role",
		},
		[]string{"role"},
	)

	ReactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reactions_total",
			Help: "Reactions broadcast",
		},
	)

	PresenceDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_drift_corrections_total",
			Help: "Reconciliation passes that found and corrected a drifted viewer count",
		},
	)

	StaleSessionsEndedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_sessions_ended_total",
			Help: "LIVE sessions ended by the reaper after exceeding the maximum duration",
		},
	)

	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_runs_total",
			Help: "Background maintenance passes by job",
		},
		[]string{"job"},
	)

	MaintenanceDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_duration_seconds",
			Help:    "Duration of background maintenance passes by job",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"job"},
	)
)

// Commerce Metrics
var (
	ReservationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_attempts_total",
			Help: "Reservation acquire attempts by result (acquired, conflict, error)",
		},
		[]string{"result"},
	)

	CheckoutSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_submissions_total",
			Help: "Checkout submissions by outcome",
		},
		[]string{"outcome"},
	)

	OrderRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_request_duration_seconds",
			Help:    "Latency of order service calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckoutEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_events_published_total",
			Help: "checkout.succeeded events handed to the broker by result",
		},
		[]string{"result"},
	)
)

// Media Transport Metrics
var (
	MediaCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_calls_total",
			Help: "Media transport calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	MediaRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_retries_total",
			Help: "Media transport retries by operation",
		},
		[]string{"operation"},
	)
)

// Database Metrics
var (
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Postgres query latency by query name",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Postgres query errors by query name",
		},
		[]string{"query"},
	)
)

// Application Metrics
var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information",
		},
		[]string{"version", "commit", "go_version"},
	)
)
