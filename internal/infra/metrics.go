package infra

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "market_engine"

// Metrics records engine health. Hot-path counters are atomics read by
// Snapshot; the same values are exported to Prometheus through func collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	eventsProcessed atomic.Uint64
	eventsDropped   atomic.Uint64
	errorsTotal     atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32

	latency       prometheus.Histogram
	resyncs       *prometheus.CounterVec
	disconnects   *prometheus.CounterVec
	restRequests  *prometheus.CounterVec
	rateLimitWait *prometheus.CounterVec
}

// GlobalMetrics is the process-wide metrics instance.
var GlobalMetrics = NewMetrics()

// NewMetrics builds a Metrics with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "event_latency_seconds",
		Help:      "Time from exchange timestamp to consumer delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	m.resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "book_resyncs_total",
		Help:      "Order book rebuilds after a consistency violation.",
	}, []string{"exchange", "reason"})
	m.disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "disconnects_total",
		Help:      "Stream sessions ended by network, parse or timeout errors.",
	}, []string{"exchange"})
	m.restRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rest_requests_total",
		Help:      "REST requests by exchange, operation and HTTP status.",
	}, []string{"exchange", "op", "status"})
	m.rateLimitWait = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rate_limit_wait_seconds_total",
		Help:      "Time spent waiting on the local rate limiter.",
	}, []string{"venue"})

	m.registry.MustRegister(
		m.latency, m.resyncs, m.disconnects, m.restRequests, m.rateLimitWait,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_processed_total",
			Help:      "Events delivered to consumers.",
		}, func() float64 { return float64(m.eventsProcessed.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the consumer inbox was full.",
		}, func() float64 { return float64(m.eventsDropped.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors of any kind.",
		}, func() float64 { return float64(m.errorsTotal.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Open websocket sessions.",
		}, func() float64 { return float64(m.activeConnections.Load()) }),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEvent records an event delivery with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
	if latencyNs > 0 {
		m.latency.Observe(float64(latencyNs) / float64(time.Second))
	}
}

// RecordDrop records an event dropped on a full inbox.
func (m *Metrics) RecordDrop() {
	m.eventsDropped.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordResync records one book rebuild.
func (m *Metrics) RecordResync(exchange, reason string) {
	m.resyncs.WithLabelValues(exchange, reason).Inc()
}

// RecordDisconnect records a session lost to an error.
func (m *Metrics) RecordDisconnect(exchange string) {
	m.disconnects.WithLabelValues(exchange).Inc()
	m.errorsTotal.Add(1)
}

// RecordRequest records one REST round trip. Status zero means no response.
func (m *Metrics) RecordRequest(exchange, op string, status int) {
	m.restRequests.WithLabelValues(exchange, op, strconv.Itoa(status)).Inc()
}

// RecordRateLimitWait records time spent blocked on the limiter.
func (m *Metrics) RecordRateLimitWait(venue string, d time.Duration) {
	if d > 0 {
		m.rateLimitWait.WithLabelValues(venue).Add(d.Seconds())
	}
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of the atomic metrics.
type MetricsSnapshot struct {
	EventsProcessed   uint64
	EventsDropped     uint64
	ErrorsTotal       uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsProcessed:   m.eventsProcessed.Load(),
		EventsDropped:     m.eventsDropped.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
