package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xframe",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "channel",
			Name:      "handshakes_total",
			Help:      "Channel handshakes by outcome.",
		},
		[]string{"node", "channel", "result"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xframe",
			Subsystem: "channel",
			Name:      "handshake_duration_seconds",
			Help:      "Time from connect to ready.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "channel"},
	)
	inboundCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "channel",
			Name:      "inbound_calls_total",
			Help:      "Inbound channel calls by method and outcome.",
		},
		[]string{"node", "channel", "method", "result"},
	)
	inboundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xframe",
			Subsystem: "channel",
			Name:      "inbound_call_duration_seconds",
			Help:      "Inbound channel call handling time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "channel", "method"},
	)
	registeredClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xframe",
			Subsystem: "server",
			Name:      "clients",
			Help:      "Logical clients registered with a server.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, handshakes, handshakeDuration,
			inboundCalls, inboundDuration, registeredClients)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// AddClients moves the registered client gauge for node by delta.
func AddClients(node string, delta int) {
	RegisterMetrics()
	registeredClients.WithLabelValues(node).Add(float64(delta))
}

// RPC records channel activity for one node. It satisfies channel.Observer.
type RPC struct {
	Node string
}

var _ channel.Observer = RPC{}

func (r RPC) ObserveHandshake(ch string, err error, d time.Duration) {
	RegisterMetrics()
	handshakes.WithLabelValues(r.Node, ch, resultLabel(err)).Inc()
	if err == nil {
		handshakeDuration.WithLabelValues(r.Node, ch).Observe(d.Seconds())
	}
}

func (r RPC) ObserveInbound(ch, method string, err error, d time.Duration) {
	RegisterMetrics()
	inboundCalls.WithLabelValues(r.Node, ch, method, resultLabel(err)).Inc()
	inboundDuration.WithLabelValues(r.Node, ch, method).Observe(d.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, channel.ErrTimeout):
		return "timeout"
	case errors.Is(err, channel.ErrMethodNotFound):
		return "not_found"
	case errors.Is(err, channel.ErrDestroyed):
		return "destroyed"
	default:
		return "error"
	}
}
