package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the delivery pipeline.
type Metrics struct {
	// Submission metrics
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionRejected prometheus.Counter

	// Delivery metrics
	DeliveryAttempts   prometheus.Counter
	DeliverySuccesses  prometheus.Counter
	DeliveryFailures   prometheus.Counter
	TransportFallbacks prometheus.Counter
	DeliveryDuration   prometheus.Histogram

	// Retry queue metrics
	QueueDepth        prometheus.Gauge
	RetriesTotal      prometheus.Counter
	PermanentFailures prometheus.Counter

	// Health metrics
	HealthReady  prometheus.Gauge
	HealthProbes prometheus.Counter
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		SubmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroom_submissions_total",
			Help: "Total form submissions accepted, by type",
		}, []string{"type"}),
		SubmissionRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_submissions_rejected_total",
			Help: "Submissions rejected by validation",
		}),

		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_delivery_attempts_total",
			Help: "Individual transport delivery attempts",
		}),
		DeliverySuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_delivery_successes_total",
			Help: "Messages accepted by a transport",
		}),
		DeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_delivery_failures_total",
			Help: "Delivery passes where every transport failed",
		}),
		TransportFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_transport_fallbacks_total",
			Help: "Times a non-primary transport was used",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailroom_delivery_duration_seconds",
			Help:    "Duration of successful delivery passes",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailroom_retry_queue_depth",
			Help: "Messages currently waiting in the retry queue",
		}),
		RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_retries_total",
			Help: "Redelivery attempts made by the retry queue",
		}),
		PermanentFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_permanent_failures_total",
			Help: "Messages dropped after exhausting the retry budget",
		}),

		HealthReady: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailroom_transport_ready",
			Help: "1 when the primary transport passed its last probe",
		}),
		HealthProbes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_health_probes_total",
			Help: "Health probes executed",
		}),
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
