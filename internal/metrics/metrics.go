// Package metrics defines and registers the Prometheus collectors used
// across a dispatch, plus small label-sanitizing helpers shared by the
// attempt executor. It follows the same promauto wiring caddy's own
// internal/metrics package uses for its admin API counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	// NodeRequests counts attempts per node, broken down by final class.
	NodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "requests_total",
		Help:      "Count of attempts issued per node, by outcome class.",
	}, []string{"node", "method", "class"})

	// NodeIOErrors counts transport-level I/O errors per node.
	NodeIOErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "io_errors_total",
		Help:      "Count of transport I/O errors per node.",
	}, []string{"node"})

	// ResponseLatency records attempt latency regardless of outcome.
	ResponseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "response_latency_seconds",
		Help:      "Latency of a single attempt, from issue to classified response.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node"})

	// Retries counts retry decisions, broken down by triggering error kind.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "retries_total",
		Help:      "Count of retries attempted, by triggering error kind.",
	}, []string{"reason"})
)

// HostMetrics tracks per-node success/failure counters and response
// latency; it is the receiving end of the node cursor's per-attempt
// feedback.
type HostMetrics struct {
	node string
}

// NewHostMetrics returns a HostMetrics bound to the given node identity
// (typically its base URL).
func NewHostMetrics(node string) *HostMetrics {
	return &HostMetrics{node: node}
}

// Update records the classified outcome of a completed attempt.
func (h *HostMetrics) Update(method, class string, elapsed time.Duration) {
	NodeRequests.WithLabelValues(h.node, SanitizeMethod(method), class).Inc()
	ResponseLatency.WithLabelValues(h.node).Observe(elapsed.Seconds())
}

// UpdateIOError records a transport-level failure that never produced a
// classifiable status.
func (h *HostMetrics) UpdateIOError() {
	NodeIOErrors.WithLabelValues(h.node).Inc()
}

func SanitizeCode(s int) string {
	switch s {
	case 0, 200:
		return "200"
	default:
		return strconv.Itoa(s)
	}
}

// Only support the list of "regular" HTTP methods, see
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Methods
var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod sanitizes the method for use as a metric label. This helps
// prevent high cardinality on the method label. The name is always upper case.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}

	return "OTHER"
}
