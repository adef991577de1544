// Package metrics defines the Prometheus collectors emitted by the
// consumption pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline. Components
// receive a *Metrics as a constructor argument; there is no package-level
// mutable state beyond the registry itself.
type Metrics struct {
	MessagesProcessedTotal prometheus.Counter
	ProcessingErrorsTotal  prometheus.Counter
	DeadLettersTotal       *prometheus.CounterVec
	BatchSize              prometheus.Histogram
	ProcessingTime         prometheus.Histogram
	StoreWriteTime         prometheus.Histogram
	OffsetCommitTime       prometheus.Histogram
	ConsumerLag            *prometheus.GaugeVec
}

// New creates all pipeline metrics and registers them on the default
// Prometheus registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all pipeline metrics and registers them on reg. Tests pass
// a private registry to avoid duplicate-registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "messages_processed_total",
				Help: "Total number of records durably persisted to the document store.",
			},
		),
		ProcessingErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "processing_errors_total",
				Help: "Total number of processing errors (validation, write, publish, commit).",
			},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dead_letters_total",
				Help: "Total records routed to the dead-letter topic by failure reason.",
			},
			[]string{"reason"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batch_size",
				Help:    "Number of records per polled batch.",
				Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500},
			},
		),
		ProcessingTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "processing_time_seconds",
				Help:    "Time spent resolving a batch (validate, persist, dead-letter).",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		StoreWriteTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "store_write_time_seconds",
				Help:    "Time spent in document-store bulk writes.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
		),
		OffsetCommitTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "offset_commit_time_seconds",
				Help:    "Time spent committing checkpoints.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
			},
		),
		ConsumerLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consumer_lag",
				Help: "Records behind the partition's latest offset.",
			},
			[]string{"partition"},
		),
	}

	reg.MustRegister(
		m.MessagesProcessedTotal,
		m.ProcessingErrorsTotal,
		m.DeadLettersTotal,
		m.BatchSize,
		m.ProcessingTime,
		m.StoreWriteTime,
		m.OffsetCommitTime,
		m.ConsumerLag,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
