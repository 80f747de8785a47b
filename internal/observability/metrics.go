package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type bridgeMetrics struct {
	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec

	framesTotal     *prometheus.CounterVec
	framingErrors   *prometheus.CounterVec
	chunksDelivered prometheus.Counter
	creditStalls    prometheus.Counter
	queueOverflows  prometheus.Counter

	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	dbPoolWaiters prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *bridgeMetrics
)

func getMetrics() *bridgeMetrics {
	metricsOnce.Do(func() {
		m := &bridgeMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_active_sessions",
				Help: "Number of live tool-server sessions.",
			}),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_sessions_total",
					Help: "Sessions opened and closed, by outcome.",
				},
				[]string{"outcome"},
			),
			framesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_frames_total",
					Help: "Protocol frames by type and direction.",
				},
				[]string{"type", "direction"},
			),
			framingErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_framing_errors_total",
					Help: "Framing violations by kind.",
				},
				[]string{"kind"},
			),
			chunksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_chunks_delivered_total",
				Help: "Stream chunks delivered to callers.",
			}),
			creditStalls: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_credit_stalls_total",
				Help: "Times a stream paused waiting for caller credit.",
			}),
			queueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_queue_overflows_total",
				Help: "Requests aborted because the chunk queue overflowed.",
			}),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_tool_calls_total",
					Help: "Tool calls by executor kind and status.",
				},
				[]string{"kind", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bridge_tool_call_duration_seconds",
					Help:    "Tool call duration by executor kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			dbPoolWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_db_pool_waiters",
				Help: "Callers currently queued for a database connection.",
			}),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.framesTotal,
			m.framingErrors,
			m.chunksDelivered,
			m.creditStalls,
			m.queueOverflows,
			m.toolCallsTotal,
			m.toolCallDuration,
			m.dbPoolWaiters,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered registers all bridge metrics with the default registry.
// Safe to call from multiple packages.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SessionOpened records a new live session
func SessionOpened() {
	m := getMetrics()
	m.activeSessions.Inc()
	m.sessionsTotal.WithLabelValues("opened").Inc()
}

// SessionClosed records a session teardown with its outcome
// ("drained", "idle", "transport_error", "framing_error").
func SessionClosed(outcome string) {
	m := getMetrics()
	m.activeSessions.Dec()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordFrame counts one protocol frame ("in" or "out")
func RecordFrame(frameType, direction string) {
	getMetrics().framesTotal.WithLabelValues(frameType, direction).Inc()
}

// RecordFramingError counts a framing violation
func RecordFramingError(kind string) {
	getMetrics().framingErrors.WithLabelValues(kind).Inc()
}

// RecordChunkDelivered counts one chunk handed to a caller
func RecordChunkDelivered() {
	getMetrics().chunksDelivered.Inc()
}

// RecordCreditStall counts a stream pausing on zero credit
func RecordCreditStall() {
	getMetrics().creditStalls.Inc()
}

// RecordQueueOverflow counts a request aborted by backpressure overflow
func RecordQueueOverflow() {
	getMetrics().queueOverflows.Inc()
}

// RecordToolCall records one completed tool call
func RecordToolCall(kind, status string, duration time.Duration) {
	m := getMetrics()
	m.toolCallsTotal.WithLabelValues(kind, status).Inc()
	m.toolCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetDBPoolWaiters reports the current database pool wait-queue depth
func SetDBPoolWaiters(n int) {
	getMetrics().dbPoolWaiters.Set(float64(n))
}
