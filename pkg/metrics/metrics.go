// Package metrics records ingestion runs as Prometheus metrics. A run is a
// batch job, so the metrics are pushed to a Pushgateway when it ends rather
// than scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/reconcile"
)

const namespace = "imgsync"

// Collector holds the metrics of one run. It implements reconcile.Observer.
type Collector struct {
	CandidateImages prometheus.Gauge
	IngestedImages  prometheus.Gauge
	PlannedImages   prometheus.Gauge
	ImagesLoaded    prometheus.Counter
	LoadDuration    prometheus.Histogram
	LatestLoaded    prometheus.Gauge
	ExportRetries   prometheus.Counter
	Failures        *prometheus.CounterVec
	LastSuccess     prometheus.Gauge

	registry *prometheus.Registry
	// partial holds every metric except LastSuccess.
	partial   *prometheus.Registry
	succeeded bool
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		partial:  prometheus.NewRegistry(),
		CandidateImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidate_images",
			Help:      "Catalog images considered by the last run",
		}),
		IngestedImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingested_images",
			Help:      "Images already in the store when the last run started",
		}),
		PlannedImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "planned_images",
			Help:      "Images the last run set out to load",
		}),
		ImagesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_loaded_total",
			Help:      "Images loaded into the store",
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_load_duration_seconds",
			Help:      "Time to export and load one image",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		LatestLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_loaded_image_created_seconds",
			Help:      "Creation time of the newest image loaded",
		}),
		ExportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_retries_total",
			Help:      "Failed export attempts that were retried",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Runs that failed, by state",
		}, []string{"state"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Completion time of the last successful run",
		}),
	}

	runMetrics := []prometheus.Collector{
		c.CandidateImages,
		c.IngestedImages,
		c.PlannedImages,
		c.ImagesLoaded,
		c.LoadDuration,
		c.LatestLoaded,
		c.ExportRetries,
		c.Failures,
	}
	c.partial.MustRegister(runMetrics...)
	c.registry.MustRegister(runMetrics...)
	c.registry.MustRegister(c.LastSuccess)
	return c
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObservePlan records the size of the work list.
func (c *Collector) ObservePlan(candidates, ingested, planned int) {
	c.CandidateImages.Set(float64(candidates))
	c.IngestedImages.Set(float64(ingested))
	c.PlannedImages.Set(float64(planned))
}

// ObserveLoad records one loaded image.
func (c *Collector) ObserveLoad(img catalog.Image, d time.Duration) {
	c.ImagesLoaded.Inc()
	c.LoadDuration.Observe(d.Seconds())
	c.LatestLoaded.Set(float64(img.Created.Unix()))
}

// ObserveFailure records a run that stopped in state.
func (c *Collector) ObserveFailure(state reconcile.State) {
	c.Failures.WithLabelValues(string(state)).Inc()
}

// ObserveExportRetry matches the catalog client's retry callback.
func (c *Collector) ObserveExportRetry(int, error) {
	c.ExportRetries.Inc()
}

// MarkSuccess stamps the completion time of a successful run.
func (c *Collector) MarkSuccess(at time.Time) {
	c.LastSuccess.Set(float64(at.Unix()))
	c.succeeded = true
}

// Push sends the run's metrics to the Pushgateway at url under job. After a
// successful run every metric pushed for job before is replaced. Otherwise
// the run's metrics are added and the gateway keeps the previous
// last_success_timestamp_seconds.
func (c *Collector) Push(ctx context.Context, url, job string) error {
	var err error
	if c.succeeded {
		err = push.New(url, job).Gatherer(c.registry).PushContext(ctx)
	} else {
		err = push.New(url, job).Gatherer(c.partial).AddContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
