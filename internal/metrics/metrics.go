package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the pipeline metrics on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	FilesTotal    *prometheus.CounterVec
	RecordsTotal  *prometheus.CounterVec
	Associations  *prometheus.GaugeVec
	StageDuration *prometheus.GaugeVec

	ProjectionsTotal   *prometheus.CounterVec
	ProjectionDuration *prometheus.HistogramVec
	ProjectionBytes    *prometheus.GaugeVec
	ProjectionNodes    *prometheus.GaugeVec
	ProjectionEdges    *prometheus.GaugeVec

	UploadsTotal   *prometheus.CounterVec
	LastRunSuccess prometheus.Gauge
	LastRunTime    prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	f := promauto.With(r.registry)

	r.FilesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cvemaps_files_total",
		Help: "Record files seen by the loader, by outcome",
	}, []string{"outcome"})
	r.RecordsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cvemaps_records_total",
		Help: "Documents seen by the normalizer, by outcome",
	}, []string{"outcome"})
	r.Associations = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cvemaps_association_pairs",
		Help: "Distinct keyed pairs per association mapping",
	}, []string{"mapping"})
	r.StageDuration = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cvemaps_stage_duration_seconds",
		Help: "Wall time of each pipeline stage in the last run",
	}, []string{"stage"})

	r.ProjectionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cvemaps_projections_total",
		Help: "Projection jobs run, by status",
	}, []string{"projection", "status"})
	r.ProjectionDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cvemaps_projection_duration_seconds",
		Help:    "Projection job duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"projection"})
	r.ProjectionBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cvemaps_projection_bytes",
		Help: "Size of the last written document",
	}, []string{"projection"})
	r.ProjectionNodes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cvemaps_projection_nodes",
		Help: "Node count of the last written graph",
	}, []string{"projection"})
	r.ProjectionEdges = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cvemaps_projection_edges",
		Help: "Edge count of the last written graph",
	}, []string{"projection"})

	r.UploadsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cvemaps_uploads_total",
		Help: "Artifact uploads, by status",
	}, []string{"status"})
	r.LastRunSuccess = f.NewGauge(prometheus.GaugeOpts{
		Name: "cvemaps_last_run_success",
		Help: "1 when the last run finished without failed jobs",
	})
	r.LastRunTime = f.NewGauge(prometheus.GaugeOpts{
		Name: "cvemaps_last_run_timestamp_seconds",
		Help: "Unix time the last run finished",
	})
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values in the node exporter textfile
// format.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

func (r *Registry) RecordStage(stage string, d time.Duration) {
	r.StageDuration.WithLabelValues(stage).Set(d.Seconds())
}

func (r *Registry) RecordProjection(name, status string, d time.Duration, nodes, edges int, bytes int64) {
	r.ProjectionsTotal.WithLabelValues(name, status).Inc()
	r.ProjectionDuration.WithLabelValues(name).Observe(d.Seconds())
	if status != "ok" {
		return
	}
	r.ProjectionNodes.WithLabelValues(name).Set(float64(nodes))
	r.ProjectionEdges.WithLabelValues(name).Set(float64(edges))
	r.ProjectionBytes.WithLabelValues(name).Set(float64(bytes))
}

func (r *Registry) RecordRun(success bool, at time.Time) {
	if success {
		r.LastRunSuccess.Set(1)
	} else {
		r.LastRunSuccess.Set(0)
	}
	r.LastRunTime.Set(float64(at.Unix()))
}
