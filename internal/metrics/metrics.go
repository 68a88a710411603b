// Package metrics registers the Prometheus instruments for the topology
// service. Naming follows namespace_subsystem_name with namespace
// "topology" throughout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the current number of registered clients.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "topology",
		Subsystem: "client",
		Name:      "connections_active",
		Help:      "Current number of registered client connections",
	})

	// ActiveRooms is the current number of projects with at least one occupant.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "topology",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live project networks",
	})

	// RoomOccupants is the occupant count per live project network.
	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "topology",
		Subsystem: "room",
		Name:      "occupants_count",
		Help:      "Number of occupants per project network",
	}, []string{"project_id"})

	// WebsocketEvents counts inbound and outbound client frames by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topology",
		Subsystem: "client",
		Name:      "events_total",
		Help:      "Total client frames processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration is the time spent resolving and fanning out one message.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "topology",
		Subsystem: "client",
		Name:      "message_processing_seconds",
		Help:      "Time spent routing a message to its resolved recipients",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RoleDataRequests counts role-data round trips by outcome.
	RoleDataRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topology",
		Subsystem: "roledata",
		Name:      "requests_total",
		Help:      "Total role-data requests, labeled by outcome",
	}, []string{"status"})

	// CircuitBreakerState is the relay breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "topology",
		Subsystem: "bus",
		Name:      "state",
		Help:      "Circuit breaker state (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topology",
		Subsystem: "bus",
		Name:      "failures_total",
		Help:      "Total operations rejected by the circuit breaker",
	}, []string{"service"})

	// RedisOperations counts relay operations against Redis by name and outcome.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topology",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations issued by the relay",
	}, []string{"operation", "status"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topology",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded a rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests counts requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topology",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"endpoint"})
)

func IncConnection() { ActiveConnections.Inc() }

func DecConnection() { ActiveConnections.Dec() }
