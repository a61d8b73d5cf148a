package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus metrics.
type Metrics struct {
	// --- Coordinator ---
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	CallbacksTotal     *prometheus.CounterVec
	RefundsTotal       *prometheus.CounterVec
	SettlementsTotal   prometheus.Counter
	EventSequence      prometheus.Gauge
	PendingSettlements prometheus.Gauge
	SweepRuns          *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDropped     prometheus.Counter

	// --- Event bus ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter
	WSClients       prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	RecoveryDuration     prometheus.Gauge

	// --- Transport ---
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	GRPCRequests  *prometheus.CounterVec
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_coordinator_operations_total",
			Help: "Coordinator operations by result (ok, rejected, error)",
		}, []string{"operation", "result"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_coordinator_operation_duration_seconds",
			Help:    "Time spent inside the coordinator lock per operation",
			Buckets: opBuckets,
		}, []string{"operation"}),

		CallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_coordinator_callbacks_total",
			Help: "Gateway callbacks by kind and outcome",
		}, []string{"kind", "outcome"}),

		RefundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_coordinator_refunds_total",
			Help: "Positions refunded",
		}, []string{"reason"}),

		SettlementsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_coordinator_settlements_total",
			Help: "Contracts settled with a decrypted price",
		}),

		EventSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_coordinator_event_sequence",
			Help: "Next event sequence number",
		}),

		PendingSettlements: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_coordinator_pending_settlements",
			Help: "Settlement requests awaiting a callback",
		}),

		SweepRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_coordinator_sweep_runs_total",
			Help: "Timeout sweeper runs",
		}, []string{"result"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cf_channel_size",
			Help: "Current items buffered in channel",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cf_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cf_channel_utilization",
			Help: "Channel fill ratio (0.0-1.0)",
		}, []string{"channel"}),

		PublishDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_events_published_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_publish_errors_total",
			Help: "NATS publish failures",
		}),

		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_websocket_clients",
			Help: "Connected WebSocket event stream clients",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cf_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cf_persist_batch_duration_seconds",
			Help:    "Postgres batch write time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		RecoveryDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_recovery_duration_seconds",
			Help: "Time spent restoring state on startup",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "path", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "path"}),

		GRPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_grpc_requests_total",
			Help: "gRPC requests by method and status code",
		}, []string{"method", "code"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// HTTPMiddleware records request count and latency. pathLabel maps a
// request to a low-cardinality route label.
func (m *Metrics) HTTPMiddleware(pathLabel func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := pathLabel(r)
		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// GatewayMetrics holds the gateway worker's Prometheus metrics.
type GatewayMetrics struct {
	RequestsObserved  *prometheus.CounterVec
	RequestsResolved  *prometheus.CounterVec
	DecryptAttempts   *prometheus.CounterVec
	DecryptDuration   prometheus.Histogram
	CallbackAttempts  *prometheus.CounterVec
	Retries           prometheus.Counter
	PendingRequests   prometheus.Gauge
	InFlight          prometheus.Gauge
	TimeoutsTriggered prometheus.Counter
	TrackerSaves      *prometheus.CounterVec
}

func NewGatewayMetrics() *GatewayMetrics {
	return &GatewayMetrics{
		RequestsObserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_gateway_requests_observed_total",
			Help: "Decryption requests observed on the event bus",
		}, []string{"kind"}),

		RequestsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_gateway_requests_resolved_total",
			Help: "Requests that left the pending set (processed or failed)",
		}, []string{"kind", "result"}),

		DecryptAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_gateway_decrypt_attempts_total",
			Help: "Oracle decrypt attempts",
		}, []string{"result"}),

		DecryptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cf_gateway_decrypt_duration_seconds",
			Help:    "Oracle decrypt latency",
			Buckets: prometheus.DefBuckets,
		}),

		CallbackAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_gateway_callback_attempts_total",
			Help: "Callback submissions to the coordinator",
		}, []string{"kind", "result"}),

		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_gateway_retries_total",
			Help: "Retries after a failed decrypt or callback",
		}),

		PendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_gateway_pending_requests",
			Help: "Requests tracked as pending",
		}),

		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cf_gateway_in_flight",
			Help: "Requests currently being handled by the worker pool",
		}),

		TimeoutsTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cf_gateway_timeouts_triggered_total",
			Help: "Stale requests for which the advisory sweep forced a refund",
		}),

		TrackerSaves: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_gateway_tracker_saves_total",
			Help: "Tracker persistence writes",
		}, []string{"result"}),
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
