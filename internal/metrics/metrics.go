// Package metrics defines the Prometheus collectors exported by a pipeline.
//
// Every pipeline owns its own registry, so several pipelines (or tests)
// can run in one process without colliding on collector names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "media_enhancer"

// Stage labels.
const (
	StageUpload   = "upload"
	StageDownload = "download"
)

// Outcome labels.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeAccepted     = "accepted"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnauthorized = "unauthorized"
	OutcomeInvalid      = "invalid"
	OutcomeUnavailable  = "unavailable"
)

// Metrics holds the collectors for one pipeline.
type Metrics struct {
	registry *prometheus.Registry

	Submitted       prometheus.Counter
	Uploads         *prometheus.CounterVec
	Downloads       *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	Abandoned       prometheus.Counter
	InFlight        *prometheus.GaugeVec
	StageDuration   *prometheus.HistogramVec
	DownloadedBytes prometheus.Counter
}

// New registers the pipeline collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_submitted_total",
			Help:      "Items accepted into the item queue.",
		}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload calls by outcome.",
		}, []string{"outcome"}),
		Downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Download calls by outcome.",
		}, []string{"outcome"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Completion notifications by outcome.",
		}, []string{"outcome"}),
		Abandoned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abandoned_total",
			Help:      "Items or tokens left unprocessed at shutdown.",
		}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Remote calls currently in flight by stage.",
		}, []string{"stage"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of remote calls by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"stage"}),
		DownloadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to result files.",
		}),
	}
}

// ObserveCall records one finished remote call for stage.
func (m *Metrics) ObserveCall(stage string, started time.Time, err error) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	switch stage {
	case StageUpload:
		m.Uploads.WithLabelValues(outcome).Inc()
	case StageDownload:
		m.Downloads.WithLabelValues(outcome).Inc()
	}
}

// TrackQueue exports the length of a queue as queue_depth{queue=name}.
func (m *Metrics) TrackQueue(name string, length func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Entries waiting in each queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(length()) }))
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
