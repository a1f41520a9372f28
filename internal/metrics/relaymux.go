package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rolling windows for the health endpoint.
var (
	eventWindow = NewSlidingWindow(60*time.Second, 10000)
	dialWindow  = NewSlidingWindow(60*time.Second, 1000)
)

// Local mirrors of selected gauges. Prometheus collectors cannot be read back
// cheaply, and the health checker needs these numbers.
var (
	activeSocketsCount  int64
	activeSubsCount     int64
	connectedRelayCount int64
	portsCount          int64
	eventsReceivedCount int64
	errorCount          int64
)

// GetActiveSocketsCount returns the number of open relay sockets.
func GetActiveSocketsCount() int64 { return atomic.LoadInt64(&activeSocketsCount) }

// IncrementActiveSockets records a socket that finished its handshake.
func IncrementActiveSockets() {
	ActiveSockets.Inc()
	atomic.AddInt64(&activeSocketsCount, 1)
	dialWindow.Add()
}

// DecrementActiveSockets records a socket that closed.
func DecrementActiveSockets() {
	ActiveSockets.Dec()
	atomic.AddInt64(&activeSocketsCount, -1)
}

func GetActiveSubscriptionsCount() int64 { return atomic.LoadInt64(&activeSubsCount) }

func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubsCount, 1)
}

func DecrementActiveSubscriptions() {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubsCount, -1)
}

// SetConnectedRelays mirrors the multiplexer's connected relay count.
func SetConnectedRelays(n int) {
	ConnectedRelays.Set(float64(n))
	atomic.StoreInt64(&connectedRelayCount, int64(n))
}

func GetConnectedRelays() int64 { return atomic.LoadInt64(&connectedRelayCount) }

func IncrementPorts() {
	BrokerPorts.Inc()
	atomic.AddInt64(&portsCount, 1)
}

func DecrementPorts() {
	BrokerPorts.Dec()
	atomic.AddInt64(&portsCount, -1)
}

func GetPortsCount() int64 { return atomic.LoadInt64(&portsCount) }

// IncrementEventsReceived counts one relay EVENT frame delivered to a stream.
func IncrementEventsReceived() {
	FramesReceived.WithLabelValues("EVENT").Inc()
	atomic.AddInt64(&eventsReceivedCount, 1)
	eventWindow.Add()
}

func GetEventsReceivedCount() int64 { return atomic.LoadInt64(&eventsReceivedCount) }

// IncrementErrorCount increments the error counter
func IncrementErrorCount(errType string) {
	ErrorsCount.WithLabelValues(errType).Inc()
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns the current error count
func GetErrorCount() int64 { return atomic.LoadInt64(&errorCount) }

// GetEventsPerSecond calculates events per second using a sliding window
func GetEventsPerSecond() float64 { return eventWindow.Rate() }

// GetDialsPerSecond calculates successful socket opens per second.
func GetDialsPerSecond() float64 { return dialWindow.Rate() }

var (
	// Socket metrics
	SocketOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_socket_opens_total",
		Help: "Relay socket open attempts by status",
	}, []string{"status"}) // "success", "failure", "timeout"

	ActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymux_active_sockets",
		Help: "The number of open relay sockets",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_frames_received_total",
		Help: "Relay frames received by type",
	}, []string{"type"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_frames_sent_total",
		Help: "Frames written to relays by type",
	}, []string{"type"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_protocol_errors_total",
		Help: "Malformed or unexpected relay frames dropped",
	}, []string{"reason"})

	PublishAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_publish_acks_total",
		Help: "Publish outcomes by result",
	}, []string{"result"}) // "accepted", "rejected", "timeout"

	// Multiplexer metrics
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymux_active_subscriptions",
		Help: "Per-relay subscriptions currently open",
	})

	SubscriptionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_subscription_evictions_total",
		Help: "Subscriptions evicted to respect per-relay caps",
	}, []string{"reason"}) // "max_sub", "max_keepalive"

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymux_duplicate_events_total",
		Help: "Events dropped because the subscription already delivered them",
	})

	ConnectedRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymux_connected_relays",
		Help: "Relays with an open multiplexer socket",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymux_reconnects_total",
		Help: "Multiplexer socket reconnect attempts",
	})

	// Connection pool metrics
	PoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymux_pool_in_flight",
		Help: "Concurrent one-shot pool operations",
	})

	PoolOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_pool_ops_total",
		Help: "One-shot pool operations by result",
	}, []string{"result"}) // "success", "failure", "timeout"

	PoolOpDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaymux_pool_op_duration_seconds",
		Help:    "Duration of one-shot pool operations including the dial",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	// Broker metrics
	BrokerPorts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymux_broker_ports",
		Help: "Connected broker ports",
	})

	BrokerCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_broker_commands_total",
		Help: "Broker commands by type",
	}, []string{"type"})

	BrokerDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_broker_dropped_total",
		Help: "Outbound port messages dropped because the port was full",
	}, []string{"kind"})

	CallerDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_caller_dropped_total",
		Help: "Subscription messages a caller dropped because the iterator was not read",
	}, []string{"kind"})

	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaymux_command_processing_duration_seconds",
		Help:    "Time to process broker commands",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	}, []string{"type"})

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_http_requests_total",
		Help: "HTTP requests by route",
	}, []string{"route"})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaymux_http_request_duration_seconds",
		Help:    "HTTP request latency, excluding websocket sessions",
		Buckets: prometheus.DefBuckets,
	})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"})

	// Storage metrics
	StorageConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_storage_connections_total",
		Help: "Storage backend connection attempts by status",
	}, []string{"backend", "status"})

	StorageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymux_storage_ops_total",
		Help: "Storage operations by backend, operation and status",
	}, []string{"backend", "op", "status"})
)

// RegisterMetrics ensures all metrics are registered with Prometheus
func RegisterMetrics() {
	for _, s := range []string{"success", "failure", "timeout"} {
		SocketOpens.WithLabelValues(s)
		PoolOps.WithLabelValues(s)
	}

	for _, t := range []string{"EVENT", "EOSE", "OK", "NOTICE", "AUTH", "CLOSED"} {
		FramesReceived.WithLabelValues(t)
	}
	for _, t := range []string{"EVENT", "REQ", "CLOSE"} {
		FramesSent.WithLabelValues(t)
	}

	for _, r := range []string{"malformed", "unknown_type", "bad_signature", "unknown_subscription"} {
		ProtocolErrors.WithLabelValues(r)
	}

	for _, r := range []string{"accepted", "rejected", "timeout"} {
		PublishAcks.WithLabelValues(r)
	}

	for _, r := range []string{"max_sub", "max_keepalive"} {
		SubscriptionEvictions.WithLabelValues(r)
	}

	for _, c := range []string{"subscribe", "publish", "switch_relays", "pull_relay_info", "disconnect", "close_port"} {
		BrokerCommands.WithLabelValues(c)
		CommandProcessingDuration.WithLabelValues(c)
	}

	for _, t := range []string{"validation", "network", "authentication", "external", "database", "rate_limit", "internal"} {
		ErrorsCount.WithLabelValues(t)
	}

	for _, b := range []string{"memory", "badger", "sqlite", "postgres", "redis"} {
		for _, s := range []string{"success", "failure", "closed"} {
			StorageConnections.WithLabelValues(b, s)
		}
	}
}
