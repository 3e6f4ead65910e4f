// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Relay directions for RelayedBytes.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

var connectBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	ConnectFailures   prometheus.Counter
	ConnectDuration   prometheus.Histogram
	MalformedRequests prometheus.Counter
	RelayErrors       *prometheus.CounterVec
	RelayedBytes      *prometheus.CounterVec
}

// New creates a Metrics instance with a private registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopproxy_sessions_total",
			Help: "Sessions whose request head parsed, by method.",
		}, []string{"method"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopproxy_sessions_active",
			Help: "Accepted client connections not yet closed.",
		}),

		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopproxy_upstream_connect_failures_total",
			Help: "Upstream dials that failed.",
		}),

		ConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loopproxy_upstream_connect_duration_seconds",
			Help:    "Time to establish the upstream connection, including any upstream proxy handshake.",
			Buckets: connectBuckets,
		}),

		MalformedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopproxy_malformed_requests_total",
			Help: "Client request heads that failed to parse.",
		}),

		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopproxy_relay_errors_total",
			Help: "I/O errors while relaying, by side and operation.",
		}, []string{"side", "op"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopproxy_relayed_bytes_total",
			Help: "Bytes read from one leg and queued to the other.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionsActive,
		m.ConnectFailures,
		m.ConnectDuration,
		m.MalformedRequests,
		m.RelayErrors,
		m.RelayedBytes,
	)

	return m
}

// ObserveConnect records one upstream dial.
func (m *Metrics) ObserveConnect(d time.Duration, err error) {
	if err != nil {
		m.ConnectFailures.Inc()
		return
	}
	m.ConnectDuration.Observe(d.Seconds())
}

// knownMethods lists the allowed method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod maps non-standard methods to "other".
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
