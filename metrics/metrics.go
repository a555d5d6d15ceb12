// Package metrics exposes server counters in the Prometheus text format.
package metrics

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "kmsd"

// Failure reasons.
const (
	FailureRead         = "read"
	FailureUnrecognized = "unrecognized"
	FailureDecode       = "decode"
	FailureVersion      = "version"
	FailurePersistence  = "persistence"
	FailureWrite        = "write"
	FailureRejected     = "rejected"
)

// Metrics owns a private registry so several servers, and tests, do not
// collide. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Counter
	inflight    prometheus.Gauge
	binds       prometheus.Counter
	requests    *prometheus.CounterVec
	warnings    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "connections_total",
			Help:      "Accepted TCP connections.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "connections_in_flight",
			Help:      "Connections currently being served.",
		}),
		binds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "binds_total",
			Help:      "Bind requests acknowledged.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kms",
			Name:      "requests_total",
			Help:      "Activation requests answered, by protocol version.",
		}, []string{"version"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kms",
			Name:      "policy_warnings_total",
			Help:      "Policy warnings raised while answering requests.",
		}, []string{"warning"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kms",
			Name:      "failures_total",
			Help:      "Connections closed without an answer, by reason.",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kms",
			Name:      "request_duration_seconds",
			Help:      "Time spent answering an activation request.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"version"}),
	}
	m.registry.MustRegister(
		m.connections, m.inflight, m.binds, m.requests, m.warnings, m.failures, m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.inflight.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) Bind() {
	if m == nil {
		return
	}
	m.binds.Inc()
}

// Request records one answered activation request.
func (m *Metrics) Request(version uint16, d time.Duration, warnings ...string) {
	if m == nil {
		return
	}
	v := strconv.Itoa(int(version))
	m.requests.WithLabelValues(v).Inc()
	m.latency.WithLabelValues(v).Observe(d.Seconds())
	for _, w := range warnings {
		m.warnings.WithLabelValues(w).Inc()
	}
}

func (m *Metrics) Failure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

// Handler serves the registry at any path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// NewServer returns an HTTP server exposing the registry at /metrics. The
// caller runs it with Serve.
func NewServer(addr string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve listens on srv.Addr and serves until the server is shut down.
func Serve(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("address", ln.Addr().String()).Msg("metrics endpoint listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
