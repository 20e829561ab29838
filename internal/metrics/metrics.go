package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all client metrics. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	decodeStrategies     *prometheus.CounterVec
	uploadsTotal         *prometheus.CounterVec
	uploadDuration       prometheus.Histogram
	uploadBytes          prometheus.Counter
	pollRequests         *prometheus.CounterVec
	jobsFinished         *prometheus.CounterVec
	httpClientRequests   *prometheus.CounterVec
	httpClientDuration   *prometheus.HistogramVec
	activeUploads        prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
}

// NewMetrics creates metrics registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates metrics on a custom registry (used by tests
// and embedders).
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total source bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		decodeStrategies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decode_strategy_total",
				Help: "Decryptions by the strategy that produced the result",
			},
			[]string{"strategy", "plausible"},
		),
		uploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploads_total",
				Help: "Total number of document uploads",
			},
			[]string{"result"},
		),
		uploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upload_duration_seconds",
				Help:    "Document upload duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		uploadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "upload_bytes_total",
				Help: "Total envelope bytes uploaded",
			},
		),
		pollRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poll_requests_total",
				Help: "Total number of job status polls",
			},
			[]string{"result"},
		),
		jobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_finished_total",
				Help: "Processing jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		httpClientRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_client_requests_total",
				Help: "Total number of outbound HTTP requests",
			},
			[]string{"method", "status"},
		),
		httpClientDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_client_request_duration_seconds",
				Help:    "Outbound HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		activeUploads: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_uploads",
				Help: "Number of uploads between encryption and a terminal job status",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	if m == nil {
		return
	}
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordDecodeStrategy records which decode strategy produced a result.
func (m *Metrics) RecordDecodeStrategy(strategy string, plausible bool) {
	if m == nil {
		return
	}
	m.decodeStrategies.WithLabelValues(strategy, strconv.FormatBool(plausible)).Inc()
}

// RecordUpload records a finished upload request.
func (m *Metrics) RecordUpload(result string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(result).Inc()
	m.uploadDuration.Observe(duration.Seconds())
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

// RecordPoll records one status poll ("ok" or "error").
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.pollRequests.WithLabelValues(result).Inc()
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an outbound HTTP request. A status of 0 means
// the request failed before a response arrived.
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.httpClientRequests.WithLabelValues(method, label).Inc()
	m.httpClientDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// IncrementActiveUploads increments the active uploads gauge.
func (m *Metrics) IncrementActiveUploads() {
	if m == nil {
		return
	}
	m.activeUploads.Inc()
}

// DecrementActiveUploads decrements the active uploads gauge.
func (m *Metrics) DecrementActiveUploads() {
	if m == nil {
		return
	}
	m.activeUploads.Dec()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	if m == nil {
		return
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartSystemMetricsCollector updates system metrics periodically until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
