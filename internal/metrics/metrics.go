// Package metrics exposes Prometheus counters and gauges for the pieces
// of the service an operator would want to alert on: grains emitted per
// subscription, active subscription count, and registry snapshot/poll
// latency. Every collector is registered against a private registry in
// init and served by Handler; there is no switch to disable them.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GrainsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmos_query_grains_emitted_total",
			Help: "Total number of grains delivered to WebSocket clients, by subscription id.",
		},
		[]string{"subscription"},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nmos_query_subscriptions_active",
			Help: "Number of subscriptions currently present in the registry.",
		},
	)

	WebSocketClientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nmos_query_websocket_clients_active",
			Help: "Number of live WebSocket connections across all subscriptions.",
		},
	)

	RegistrySnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nmos_query_registry_snapshot_duration_seconds",
			Help:    "Time taken to fetch a registry snapshot, by resource type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	ChangeWatcherReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nmos_query_changewatcher_reconnects_total",
			Help: "Total number of times the Change Watcher had to reconnect to the registry event stream.",
		},
	)

	SubscriptionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmos_query_subscriptions_terminated_total",
			Help: "Total number of subscriptions terminated for falling behind on delivery.",
		},
		[]string{"reason"},
	)
)

// registry is a private collector so tests can register/assert against a
// clean set instead of polluting the global default registry.
var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		GrainsEmitted,
		SubscriptionsActive,
		WebSocketClientsActive,
		RegistrySnapshotDuration,
		ChangeWatcherReconnects,
		SubscriptionsTerminated,
	)
}

// RecordGrainEmitted increments the emitted-grain counter for subscriptionID.
func RecordGrainEmitted(subscriptionID string) {
	GrainsEmitted.WithLabelValues(subscriptionID).Inc()
}

// SetSubscriptionsActive updates the active-subscription gauge.
func SetSubscriptionsActive(count int) {
	SubscriptionsActive.Set(float64(count))
}

// SetWebSocketClientsActive updates the active-WebSocket-client gauge.
func SetWebSocketClientsActive(count int) {
	WebSocketClientsActive.Set(float64(count))
}

// ObserveSnapshotDuration records how long a Snapshot call against
// resourceType took, in seconds.
func ObserveSnapshotDuration(resourceType string, seconds float64) {
	RegistrySnapshotDuration.WithLabelValues(resourceType).Observe(seconds)
}

// RecordChangeWatcherReconnect increments the reconnect counter.
func RecordChangeWatcherReconnect() {
	ChangeWatcherReconnects.Inc()
}

// RecordSubscriptionTerminated increments the termination counter for reason.
func RecordSubscriptionTerminated(reason string) {
	SubscriptionsTerminated.WithLabelValues(reason).Inc()
}

// Handler returns a gin handler function serving this package's private
// registry in the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
