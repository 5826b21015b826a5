// Package metrics exposes Prometheus collectors for gradient batches and
// refinement jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prism"

// Metrics holds the service collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ReflectionsProcessed  prometheus.Counter
	DegenerateReflections prometheus.Counter
	BatchDuration         prometheus.Histogram
	RefinementJobs        *prometheus.CounterVec
	ActiveJobs            prometheus.Gauge
}

// New returns a Metrics registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ReflectionsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflections_processed_total",
			Help:      "Reflections whose gradients were computed.",
		}),
		DegenerateReflections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degenerate_reflections_total",
			Help:      "Reflections rejected for degenerate geometry.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gradient_batch_duration_seconds",
			Help:      "Wall time of gradient batches.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		RefinementJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinement_jobs_total",
			Help:      "Finished refinement jobs by final status.",
		}, []string{"status"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refinement_jobs_active",
			Help:      "Refinement jobs currently running.",
		}),
	}
}

// ObserveBatch records one gradient batch of n reflections, degenerate of
// which were rejected.
func (m *Metrics) ObserveBatch(n, degenerate int, elapsed time.Duration) {
	m.ReflectionsProcessed.Add(float64(n - degenerate))
	m.DegenerateReflections.Add(float64(degenerate))
	m.BatchDuration.Observe(elapsed.Seconds())
}

// JobStarted marks a refinement job as running.
func (m *Metrics) JobStarted() {
	m.ActiveJobs.Inc()
}

// JobFinished records the final status of a refinement job.
func (m *Metrics) JobFinished(status string) {
	m.ActiveJobs.Dec()
	m.RefinementJobs.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
