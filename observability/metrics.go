package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus-backed implementation of every observer
// capability the runtime's components need: perf.Observer plus the
// counters §4.5 names for the connection supervisor (messages/bytes
// sent/received, reconnection count, error count, EWMA latency) and the
// adaptive layer's fallback/switch events. Grounded on the teacher's
// metrics.go, which registers an equivalent set of collectors against a
// prometheus.Registry at startup.
type Metrics struct {
	registry *prometheus.Registry

	CacheHitRatio     prometheus.Gauge
	PoolAcquireTime   prometheus.Histogram
	BatchSize         prometheus.Histogram

	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	ReconnectCount    *prometheus.CounterVec
	ErrorCount        *prometheus.CounterVec
	ConnState         *prometheus.GaugeVec
	SendLatency       *prometheus.HistogramVec

	FallbackEvents    *prometheus.CounterVec
	TransportScore    *prometheus.GaugeVec

	RPCInFlight       prometheus.Gauge
	RPCCompleted      *prometheus.CounterVec
	RPCDuration       prometheus.Histogram
}

// NewMetrics registers and returns a fresh collector set against a new
// registry, so multiple runtime instances in the same process (e.g. in
// tests) never collide on Prometheus's global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odinrt_cache_hit_ratio", Help: "Inbound cache hit ratio.",
		}),
		PoolAcquireTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "odinrt_pool_acquire_seconds", Help: "Time to acquire a driver from the connection pool.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "odinrt_batch_size", Help: "Number of messages per emitted batch.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_messages_sent_total", Help: "Messages sent per supervisor.",
		}, []string{"supervisor"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_messages_received_total", Help: "Messages received per supervisor.",
		}, []string{"supervisor"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_bytes_sent_total", Help: "Bytes sent per supervisor.",
		}, []string{"supervisor"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_bytes_received_total", Help: "Bytes received per supervisor.",
		}, []string{"supervisor"}),
		ReconnectCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_reconnects_total", Help: "Reconnection attempts per supervisor.",
		}, []string{"supervisor"}),
		ErrorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_errors_total", Help: "Errors per supervisor, labeled by kind.",
		}, []string{"supervisor", "kind"}),
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odinrt_connection_state", Help: "Current connection state (enum value) per supervisor.",
		}, []string{"supervisor"}),
		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "odinrt_send_latency_seconds", Help: "Acknowledged round-trip latency per supervisor.",
			Buckets: prometheus.DefBuckets,
		}, []string{"supervisor"}),
		FallbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_fallback_events_total", Help: "Adaptive transport fallback events.",
		}, []string{"from", "to", "reason"}),
		TransportScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odinrt_transport_score", Help: "Current adaptive-selection score per protocol.",
		}, []string{"protocol"}),
		RPCInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odinrt_rpc_in_flight", Help: "RPC requests currently awaiting a response.",
		}),
		RPCCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odinrt_rpc_completed_total", Help: "Completed RPC calls, labeled by outcome.",
		}, []string{"method", "outcome"}),
		RPCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "odinrt_rpc_duration_seconds", Help: "RPC call duration from call() to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.CacheHitRatio, m.PoolAcquireTime, m.BatchSize,
		m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.ReconnectCount, m.ErrorCount, m.ConnState, m.SendLatency,
		m.FallbackEvents, m.TransportScore,
		m.RPCInFlight, m.RPCCompleted, m.RPCDuration,
	)

	return m
}

// Registry exposes the underlying prometheus.Registry for an HTTP
// /metrics handler, left to the caller to wire (telemetry sinks are out of
// scope per §1).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// perf.Observer implementation.

func (m *Metrics) ObserveCacheHitRatio(ratio float64)         { m.CacheHitRatio.Set(ratio) }
func (m *Metrics) ObservePoolAcquisition(d time.Duration)     { m.PoolAcquireTime.Observe(d.Seconds()) }
func (m *Metrics) ObserveBatchSize(n int)                     { m.BatchSize.Observe(float64(n)) }

// rpcx.Observer implementation.

func (m *Metrics) ObserveInFlight(n int) { m.RPCInFlight.Set(float64(n)) }

func (m *Metrics) ObserveCompletion(method, outcome string, d time.Duration) {
	m.RPCCompleted.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.Observe(d.Seconds())
}

// adaptive.Observer implementation.

func (m *Metrics) ObserveFallback(from, to, reason string) {
	m.FallbackEvents.WithLabelValues(from, to, reason).Inc()
}

func (m *Metrics) ObserveScore(protocol string, score float64) {
	m.TransportScore.WithLabelValues(protocol).Set(score)
}
