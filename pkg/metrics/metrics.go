package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mockproxy"

// Metrics holds the proxy's Prometheus collectors.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	activeConns     prometheus.Gauge
	tunnelsTotal    prometheus.Counter
	rulesRegistered prometheus.Gauge
	upstreamDials   *prometheus.CounterVec
	dialDuration    *prometheus.HistogramVec
	certCacheHits   prometheus.Counter
	certCacheMisses prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered, including
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by handler kind and response status.",
		}, []string{"method", "handler", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from reading the request head to writing the last response byte.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"handler"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Per-request failures by kind.",
		}, []string{"kind"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open client connections.",
		}),

		tunnelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "CONNECT tunnels accepted.",
		}),

		rulesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Registered rules.",
		}),

		upstreamDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dials_total",
			Help:      "Passthrough connection attempts by address family and result.",
		}, []string{"family", "result"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_duration_seconds",
			Help:      "Passthrough connect latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_cache_hits_total",
			Help:      "Certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_cache_misses_total",
			Help:      "Certificates generated on a cache miss.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.activeConns,
		m.tunnelsTotal,
		m.rulesRegistered,
		m.upstreamDials,
		m.dialDuration,
		m.certCacheHits,
		m.certCacheMisses,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(method, handler string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, handler, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// RecordError counts a failure of the given kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// ConnOpened increments the active connection gauge.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

// ConnClosed decrements the active connection gauge.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

// RecordTunnel counts an accepted CONNECT.
func (m *Metrics) RecordTunnel() {
	if m == nil {
		return
	}
	m.tunnelsTotal.Inc()
}

// SetRules sets the registered rule count.
func (m *Metrics) SetRules(n int) {
	if m == nil {
		return
	}
	m.rulesRegistered.Set(float64(n))
}

// RecordDial records a passthrough connection attempt.
func (m *Metrics) RecordDial(family string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstreamDials.WithLabelValues(family, result).Inc()
	m.dialDuration.WithLabelValues(family).Observe(d.Seconds())
}

// RecordCertCache records a certificate lookup.
func (m *Metrics) RecordCertCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.certCacheHits.Inc()
	} else {
		m.certCacheMisses.Inc()
	}
}
