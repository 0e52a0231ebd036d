package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxserve"

// Metrics holds the Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Transcription metrics
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionInFlight prometheus.Gauge
	UploadBytes           prometheus.Histogram
	EngineDuration        *prometheus.HistogramVec
	CleanupFailures       prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a private registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TranscriptionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_requests_total",
			Help:      "Transcription requests by outcome code",
		}, []string{"outcome"}),
		TranscriptionInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcriptions_in_flight",
			Help:      "Transcription requests currently being handled",
		}),
		UploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_size_bytes",
			Help:      "Size of stored uploads in bytes",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8), // 16KiB to ~256MiB
		}),
		EngineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Wall-clock time of engine invocations",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5 minutes
		}, []string{"status"}),
		CleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_cleanup_failures_total",
			Help:      "Uploaded files that could not be removed",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.TranscriptionInFlight.Inc()
	return m.TranscriptionInFlight.Dec
}

func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordUpload(sizeBytes int64) {
	if m == nil {
		return
	}
	m.UploadBytes.Observe(float64(sizeBytes))
}

func (m *Metrics) RecordEngine(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EngineDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCleanupFailure() {
	if m == nil {
		return
	}
	m.CleanupFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}
