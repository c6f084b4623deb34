package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arohanajit/nodeclient/internal/dispatch"
	"github.com/arohanajit/nodeclient/internal/nodes"
	"github.com/arohanajit/nodeclient/internal/transport"
)

// ClientMetrics handles all metrics collection for the node client.
// It observes both node sampling and request dispatch.
type ClientMetrics struct {
	gatherer prometheus.Gatherer

	// Node metrics
	ListedNodes     prometheus.Gauge
	ConnectedNodes  prometheus.Gauge
	FilteredNodes   prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	PingFailures    *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DispatchRetries  *prometheus.CounterVec

	// Admin API metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

var (
	_ nodes.Observer    = (*ClientMetrics)(nil)
	_ dispatch.Observer = (*ClientMetrics)(nil)
)

// NewClientMetrics registers the client metrics with reg. A nil registry gets a
// fresh one, so several clients can live in one process.
func NewClientMetrics(reg *prometheus.Registry) *ClientMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &ClientMetrics{
		gatherer: reg,

		// Node metrics
		ListedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodeclient_listed_nodes",
			Help: "The number of addresses the client was asked to track",
		}),
		ConnectedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodeclient_connected_nodes",
			Help: "The number of nodes eligible to receive requests",
		}),
		FilteredNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodeclient_filtered_nodes",
			Help: "The number of reachable nodes rejected by the node filter",
		}),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeclient_connect_attempts_total",
				Help: "The total number of connection attempts by resulting state",
			},
			[]string{"state"},
		),
		PingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeclient_ping_failures_total",
				Help: "The total number of failed liveness pings",
			},
			[]string{"node"},
		),

		// Dispatch metrics
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeclient_dispatch_total",
				Help: "The total number of dispatched requests by outcome",
			},
			[]string{"kind", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodeclient_dispatch_duration_seconds",
				Help:    "The dispatch latencies in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		DispatchRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeclient_dispatch_retries_total",
				Help: "The total number of requests retried on another node",
			},
			[]string{"kind"},
		),

		// Admin API metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeclient_http_requests_total",
				Help: "The total number of processed admin API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodeclient_http_request_duration_seconds",
				Help:    "The admin API request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodeclient_http_requests_in_flight",
			Help: "The number of admin API requests currently being processed",
		}),
	}
}

// Handler serves the metrics registered by this instance
func (cm *ClientMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(cm.gatherer, promhttp.HandlerOpts{})
}

// NodesChanged updates the node gauges
func (cm *ClientMetrics) NodesChanged(listed, connected, filtered int) {
	cm.ListedNodes.Set(float64(listed))
	cm.ConnectedNodes.Set(float64(connected))
	cm.FilteredNodes.Set(float64(filtered))
}

// ConnectAttempt records the state a connection attempt ended in
func (cm *ClientMetrics) ConnectAttempt(state nodes.State) {
	cm.ConnectAttempts.WithLabelValues(state.String()).Inc()
}

// PingFailed records a failed ping for a node
func (cm *ClientMetrics) PingFailed(addr transport.Address) {
	cm.PingFailures.WithLabelValues(addr.String()).Inc()
}

// Dispatched records a finished request with its outcome
func (cm *ClientMetrics) Dispatched(kind, outcome string, duration time.Duration) {
	cm.DispatchTotal.WithLabelValues(kind, outcome).Inc()
	cm.DispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Retried records a request moving to the next node
func (cm *ClientMetrics) Retried(kind string) {
	cm.DispatchRetries.WithLabelValues(kind).Inc()
}

// RecordRequest records an admin API request with its method, route, and status
func (cm *ClientMetrics) RecordRequest(method, route, status string) {
	cm.RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// ObserveRequestDuration records the duration of an admin API request
func (cm *ClientMetrics) ObserveRequestDuration(method, route string, duration float64) {
	cm.RequestDuration.WithLabelValues(method, route).Observe(duration)
}
