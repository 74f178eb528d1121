package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Runtime metrics
	messagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_messages_processed_total",
			Help: "Total number of inbound messages dispatched by an agent runtime",
		},
		[]string{"agent", "type"},
	)

	messagesUnhandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_messages_unhandled_total",
			Help: "Inbound messages dropped because no handler was registered for their type",
		},
		[]string{"agent", "type"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent", "type", "outcome"},
	)

	runtimeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_runtime_errors_total",
			Help: "Errors routed through the agent error handler",
		},
		[]string{"agent", "kind"},
	)

	activeTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_active_tasks",
			Help: "Number of in-flight handler tasks",
		},
		[]string{"agent"},
	)

	inboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_inbox_depth",
			Help: "Number of messages waiting in the agent inbox",
		},
		[]string{"agent"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_total",
			Help: "Alerts broadcast by agents, by outcome",
		},
		[]string{"agent", "status"},
	)

	// Broker metrics
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_broker_publish_total",
			Help: "Total number of publish attempts",
		},
		[]string{"exchange", "routing_key", "status"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_broker_deliveries_total",
			Help: "Deliveries handled by the consume path, by outcome",
		},
		[]string{"queue", "outcome"},
	)

	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_broker_reconnects_total",
			Help: "Reconnection attempts made by the reconnect supervisor",
		},
		[]string{"client", "status"},
	)

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_broker_connection_state",
			Help: "Current broker connection state (0 disconnected, 1 connecting, 2 connected, 3 closing, 4 closed)",
		},
		[]string{"client"},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesProcessedTotal,
			messagesUnhandledTotal,
			handlerDuration,
			runtimeErrorsTotal,
			activeTasks,
			inboxDepth,
			alertsTotal,
			publishTotal,
			deliveriesTotal,
			reconnectsTotal,
			connectionState,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageProcessed records a message taken off an agent inbox
func RecordMessageProcessed(agent, msgType string) {
	messagesProcessedTotal.WithLabelValues(agent, msgType).Inc()
}

// RecordMessageUnhandled records a message dropped for lack of a handler
func RecordMessageUnhandled(agent, msgType string) {
	messagesUnhandledTotal.WithLabelValues(agent, msgType).Inc()
}

// RecordHandler records a finished handler task. Outcome is one of ok, error,
// panic or cancelled.
func RecordHandler(agent, msgType, outcome string, duration time.Duration) {
	handlerDuration.WithLabelValues(agent, msgType, outcome).Observe(duration.Seconds())
}

// RecordRuntimeError records an error routed through an agent's error handler
func RecordRuntimeError(agent, kind string) {
	runtimeErrorsTotal.WithLabelValues(agent, kind).Inc()
}

// SetActiveTasks sets the in-flight task gauge for an agent
func SetActiveTasks(agent string, count int) {
	activeTasks.WithLabelValues(agent).Set(float64(count))
}

// SetInboxDepth sets the inbox depth gauge for an agent
func SetInboxDepth(agent string, depth int) {
	inboxDepth.WithLabelValues(agent).Set(float64(depth))
}

// RecordAlert records an alert broadcast attempt (sent, throttled or failed)
func RecordAlert(agent, status string) {
	alertsTotal.WithLabelValues(agent, status).Inc()
}

// RecordPublish records a publish attempt
func RecordPublish(exchange, routingKey, status string) {
	publishTotal.WithLabelValues(exchange, routingKey, status).Inc()
}

// RecordDelivery records the settlement of a consumed delivery
func RecordDelivery(queue, outcome string) {
	deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordReconnect records one reconnect supervisor attempt
func RecordReconnect(client, status string) {
	reconnectsTotal.WithLabelValues(client, status).Inc()
}

// SetConnectionState sets the connection state gauge for a broker client
func SetConnectionState(client string, state int) {
	connectionState.WithLabelValues(client).Set(float64(state))
}
