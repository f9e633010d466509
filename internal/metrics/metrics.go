// Package metrics collects pipeline metrics on a private Prometheus registry
// and exposes them over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listing_pipeline"

// Collector holds every metric the services emit
type Collector struct {
	registry *prometheus.Registry

	rowsSeen        prometheus.Counter
	jobsAdmitted    prometheus.Counter
	jobsSkipped     prometheus.Counter
	batches         prometheus.Counter
	publishFailures prometheus.Counter

	ledgerOps     *prometheus.CounterVec
	paymentEvents *prometheus.CounterVec

	jobsProcessed *prometheus.CounterVec
	jobLatency    prometheus.Histogram
	jobsInFlight  prometheus.Gauge
	jobsRecovered prometheus.Counter
}

// NewCollector creates a Collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rowsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rows_total",
			Help:      "Data rows seen by admission",
		}),
		jobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_jobs_queued_total",
			Help:      "Jobs persisted by admission",
		}),
		jobsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rows_skipped_total",
			Help:      "Rows not turned into new jobs (missing image, cap or duplicate)",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_batches_total",
			Help:      "Batches admitted",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publish_failures_total",
			Help:      "Job dispatch messages that could not be published",
		}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Payment notifications by outcome reason",
		}, []string{"reason"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Jobs finished by worker outcome",
		}, []string{"outcome"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_job_duration_seconds",
			Help:      "Time spent executing a claimed job",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_jobs_in_flight",
			Help:      "Jobs currently being executed",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_recovered_total",
			Help:      "Jobs re-queued or re-published by the recovery sweep",
		}),
	}

	c.registry.MustRegister(
		c.rowsSeen,
		c.jobsAdmitted,
		c.jobsSkipped,
		c.batches,
		c.publishFailures,
		c.ledgerOps,
		c.paymentEvents,
		c.jobsProcessed,
		c.jobLatency,
		c.jobsInFlight,
		c.jobsRecovered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordAdmission counts one admitted batch
func (c *Collector) RecordAdmission(stats domain.BatchStats) {
	c.batches.Inc()
	c.rowsSeen.Add(float64(stats.Total))
	c.jobsAdmitted.Add(float64(stats.Queued))
	if stats.Skipped > 0 {
		c.jobsSkipped.Add(float64(stats.Skipped))
	}
}

func (c *Collector) RecordPublishFailure() {
	c.publishFailures.Inc()
}

func (c *Collector) RecordLedgerOp(kind domain.EntryKind, outcome string) {
	c.ledgerOps.WithLabelValues(string(kind), outcome).Inc()
}

func (c *Collector) RecordPaymentEvent(reason string) {
	c.paymentEvents.WithLabelValues(reason).Inc()
}

// JobStarted marks a claimed job as executing
func (c *Collector) JobStarted() {
	c.jobsInFlight.Inc()
}

// JobFinished records the outcome and duration of an execution started with JobStarted
func (c *Collector) JobFinished(outcome string, elapsed time.Duration) {
	c.jobsInFlight.Dec()
	c.jobsProcessed.WithLabelValues(outcome).Inc()
	c.jobLatency.Observe(elapsed.Seconds())
}

// RecordRecovered counts jobs handled by a recovery sweep
func (c *Collector) RecordRecovered(n int) {
	if n > 0 {
		c.jobsRecovered.Add(float64(n))
	}
}
