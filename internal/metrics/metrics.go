package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	namespace = "practice"
	subsystem = "sync"

	connectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
	)

	offlineQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_queue_size",
			Help:      "Number of mutations waiting in the offline queue",
		},
	)

	queuePruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_queue_pruned_total",
			Help:      "Total number of queued mutations dropped on load",
		},
	)

	queueFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_queue_flushed_total",
			Help:      "Total number of queued mutations delivered after reconnect",
		},
	)

	storageDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "storage_degraded_total",
			Help:      "Total number of durable storage failures by component",
		},
		[]string{"component"},
	)

	eventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dispatched_total",
			Help:      "Total number of events delivered to the dispatcher by type",
		},
		[]string{"type"},
	)

	handlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_failures_total",
			Help:      "Total number of handler errors or panics by event type",
		},
		[]string{"type"},
	)

	inboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inbound_dropped_total",
			Help:      "Total number of malformed inbound messages",
		},
	)

	reconcileDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_decisions_total",
			Help:      "Merge decisions by entity kind and outcome",
		},
		[]string{"kind", "decision"},
	)

	relaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Number of connected relay sessions",
		},
	)

	relayedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Total number of events processed by the relay by type",
		},
		[]string{"type"},
	)

	persistDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "persist_dropped_total",
			Help:      "Total number of persistence jobs dropped because the worker queue was full",
		},
	)
)

func SetConnectionState(value float64) { connectionState.Set(value) }

func IncReconnectAttempts() { reconnectAttempts.Inc() }

func SetOfflineQueueSize(n int) { offlineQueueSize.Set(float64(n)) }

func AddQueuePruned(n int) { queuePruned.Add(float64(n)) }

func AddQueueFlushed(n int) { queueFlushed.Add(float64(n)) }

func IncStorageDegraded(component string) { storageDegraded.WithLabelValues(component).Inc() }

func IncEventsDispatched(eventType string) { eventsDispatched.WithLabelValues(eventType).Inc() }

func IncHandlerFailures(eventType string) { handlerFailures.WithLabelValues(eventType).Inc() }

func IncInboundDropped() { inboundDropped.Inc() }

func IncReconcileDecision(kind, decision string) {
	reconcileDecisions.WithLabelValues(kind, decision).Inc()
}

func SetRelaySessions(n int) { relaySessions.Set(float64(n)) }

func IncRelayedEvents(eventType string) { relayedEvents.WithLabelValues(eventType).Inc() }

func IncPersistDropped() { persistDropped.Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
