// Package metrics defines the gateway's Prometheus collectors and its
// OpenTelemetry tracer handle. Every state transition in the connection,
// fan-out, backpressure, and eviction paths increments a counter here, so
// production incidents are attributable without log spelunking.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Drop reasons for MessagesDropped.
const (
	ReasonBackpressure = "backpressure"
	ReasonQueueFull    = "queue_full"
	ReasonRateLimited  = "rate_limited"
	ReasonFanoutFailed = "fanout_failed"
)

var (
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_opened_total",
		Help: "Connections accepted and registered.",
	})
	ConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_closed_total",
		Help: "Connections closed for any reason.",
	})
	ConnectionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_evicted_total",
		Help: "Connections force-closed by the heartbeat monitor.",
	})
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_rejected_total",
		Help: "Upgrade attempts rejected before registration.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_delivered_total",
		Help: "Payloads enqueued to a subscriber's outbound queue.",
	})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_dropped_total",
		Help: "Payloads dropped instead of delivered.",
	}, []string{"reason"})

	FanoutSubscribers = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_fanout_subscribers",
		Help:    "Subscriber count observed per publish.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"channel"})
	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_publish_duration_seconds",
		Help:    "Time spent resolving subscribers and dispatching one publish.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"to"})
)

// Tracer returns the gateway tracer from the global provider. Exporter wiring
// is the deployment's concern; without one, spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer("symphainy/gateway")
}
