package jsonrpc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects dispatcher and connection metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
}

// unknownMethod labels calls to unregistered methods, so that arbitrary
// client input cannot grow the label set.
const unknownMethod = "<unknown>"

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onerpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests handled, by namespace, method and result code.",
		}, []string{"namespace", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onerpc",
			Name:      "request_duration_seconds",
			Help:      "Handler invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace", "method"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "onerpc",
			Name:      "connections_open",
			Help:      "Connections currently served.",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.connections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(namespace, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	label := "ok"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	m.requests.WithLabelValues(namespace, method, label).Inc()
	if d > 0 {
		m.duration.WithLabelValues(namespace, method).Observe(d.Seconds())
	}
}

// ConnectionOpened increments the open connections gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed decrements the open connections gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
