package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	custodyOpsTotal      *prometheus.CounterVec
	custodyOpDuration    *prometheus.HistogramVec
	wrapOpsTotal         *prometheus.CounterVec
	blobOpsTotal         *prometheus.CounterVec
	blobOpDuration       *prometheus.HistogramVec
	anchorAttemptsTotal  *prometheus.CounterVec
	attestationsPending  prometheus.Gauge
}

// New creates a new metrics instance. Label cardinality stays bounded: labels
// are operation names, wrap methods and outcomes, never record identifiers.
func New() *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		custodyOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_operations_total",
				Help: "Total number of custody operations",
			},
			[]string{"operation", "outcome"},
		),
		custodyOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_operation_duration_seconds",
				Help:    "Custody operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		wrapOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_wrap_operations_total",
				Help: "Total number of key wrap and unwrap operations",
			},
			[]string{"direction", "method", "outcome"},
		),
		blobOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operations_total",
				Help: "Total number of blob store operations",
			},
			[]string{"operation", "outcome"},
		),
		blobOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blob_operation_duration_seconds",
				Help:    "Blob store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		anchorAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_anchor_attempts_total",
				Help: "Total number of ledger anchoring attempts",
			},
			[]string{"outcome"},
		),
		attestationsPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "attestations_pending",
				Help: "Number of custody records awaiting ledger attestation",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RecordCustodyOperation records a custody service operation.
func (m *Metrics) RecordCustodyOperation(operation string, err error, duration time.Duration) {
	m.custodyOpsTotal.WithLabelValues(operation, outcome(err)).Inc()
	m.custodyOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWrapOperation records a key wrap or unwrap.
func (m *Metrics) RecordWrapOperation(direction, method string, err error) {
	m.wrapOpsTotal.WithLabelValues(direction, method, outcome(err)).Inc()
}

// RecordBlobOperation records a blob store operation.
func (m *Metrics) RecordBlobOperation(operation string, err error, duration time.Duration) {
	m.blobOpsTotal.WithLabelValues(operation, outcome(err)).Inc()
	m.blobOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAnchorAttempt records a ledger anchoring attempt.
func (m *Metrics) RecordAnchorAttempt(err error) {
	m.anchorAttemptsTotal.WithLabelValues(outcome(err)).Inc()
}

// SetAttestationsPending updates the pending attestation gauge.
func (m *Metrics) SetAttestationsPending(n int) {
	m.attestationsPending.Set(float64(n))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
