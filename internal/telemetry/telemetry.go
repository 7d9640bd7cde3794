// Package telemetry wires Warden's request and reload activity into
// Prometheus collectors, exposed only on the admin listener. Counters
// are built once, registered against a private registry, and
// incremented inline, the way Wikid82-Charon's internal/metrics does.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector Warden reports. One Metrics is
// created at startup and shared across all listeners.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamConns     *prometheus.GaugeVec
	streamBytes     *prometheus.CounterVec
	reloadsTotal    *prometheus.CounterVec
	lastReloadUnix  prometheus.Gauge
}

// New constructs and registers every collector against a fresh
// registry (not the global default, so admin-only exposure is a
// matter of which handler is wired to which listener, not a process
// singleton).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "Total HTTP requests dispatched, by resolved action and status class.",
		}, []string{"action", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "HTTP request handling latency in seconds, by resolved action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		streamConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_stream_active_connections",
			Help: "Currently open TCP stream-forwarder connections, by listen port.",
		}, []string{"port"}),
		streamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_stream_bytes_total",
			Help: "Bytes copied by the stream forwarder, by listen port and direction.",
		}, []string{"port", "direction"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_config_reloads_total",
			Help: "Configuration reload attempts, by outcome.",
		}, []string{"outcome"}),
		lastReloadUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_config_last_reload_timestamp_seconds",
			Help: "Unix timestamp of the last successful configuration reload.",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.streamConns,
		m.streamBytes,
		m.reloadsTotal,
		m.lastReloadUnix,
	)
	return m
}

// Registry exposes the underlying registry so cmd/warden can mount
// promhttp.HandlerFor on the admin listener.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(action string, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(action, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(action).Observe(d.Seconds())
}

// StreamConnOpened increments the active-connection gauge for port.
func (m *Metrics) StreamConnOpened(port int) {
	m.streamConns.WithLabelValues(portLabel(port)).Inc()
}

// StreamConnClosed decrements the active-connection gauge for port.
func (m *Metrics) StreamConnClosed(port int) {
	m.streamConns.WithLabelValues(portLabel(port)).Dec()
}

// StreamBytes records bytes copied in one direction ("upstream" or
// "downstream") for a stream-forwarder port.
func (m *Metrics) StreamBytes(port int, direction string, n int64) {
	m.streamBytes.WithLabelValues(portLabel(port), direction).Add(float64(n))
}

// ReloadSucceeded records a successful reload at time t.
func (m *Metrics) ReloadSucceeded(t time.Time) {
	m.reloadsTotal.WithLabelValues("success").Inc()
	m.lastReloadUnix.Set(float64(t.Unix()))
}

// ReloadFailed records a reload attempt that left the prior snapshot
// in place: failures log and continue, they never drop a working snapshot.
func (m *Metrics) ReloadFailed() {
	m.reloadsTotal.WithLabelValues("failure").Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func portLabel(port int) string {
	return strconv.Itoa(port)
}
