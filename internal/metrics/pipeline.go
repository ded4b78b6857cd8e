package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/models"
)

// PipelineCollector records collection and enrichment activity. It satisfies
// ingestion.Observer.
type PipelineCollector struct {
	sourceItems    *prometheus.CounterVec
	sourceRuns     *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec

	envelopes        *prometheus.CounterVec
	envelopeDuration prometheus.Histogram

	backlogRuns      prometheus.Counter
	backlogLastItems *prometheus.GaugeVec
	backlogDuration  prometheus.Histogram
}

var _ ingestion.Observer = (*PipelineCollector)(nil)

// NewPipelineCollector registers the pipeline metrics on r.
func NewPipelineCollector(r *Registry) (*PipelineCollector, error) {
	c := &PipelineCollector{
		sourceItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "items_total",
			Help:      "Items seen by source adapters, by outcome.",
		}, []string{"source", "outcome"}),
		sourceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "source_runs_total",
			Help:      "Per-source collection runs, by result.",
		}, []string{"source", "result"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "source_duration_seconds",
			Help:      "Time spent collecting from one source for one cluster.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "envelopes_total",
			Help:      "Envelopes taken through enrichment, by final status.",
		}, []string{"status", "degraded"}),
		envelopeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "envelope_duration_seconds",
			Help:      "Time to enrich and persist one envelope.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		backlogRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backlog",
			Name:      "sweeps_total",
			Help:      "Backlog sweeps run.",
		}),
		backlogLastItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backlog",
			Name:      "last_sweep_items",
			Help:      "Envelope counts from the most recent backlog sweep.",
		}, []string{"outcome"}),
		backlogDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backlog",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of backlog sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	if err := registerAll(r.registry,
		c.sourceItems,
		c.sourceRuns,
		c.sourceDuration,
		c.envelopes,
		c.envelopeDuration,
		c.backlogRuns,
		c.backlogLastItems,
		c.backlogDuration,
	); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveSource records one source run for one cluster.
func (c *PipelineCollector) ObserveSource(source models.Platform, stats ingestion.SourceStats, duration time.Duration, err error) {
	s := string(source)
	c.sourceItems.WithLabelValues(s, "fetched").Add(float64(stats.Fetched))
	c.sourceItems.WithLabelValues(s, "duplicate").Add(float64(stats.Duplicates))
	c.sourceItems.WithLabelValues(s, "staged").Add(float64(stats.Staged))
	c.sourceRuns.WithLabelValues(s, sourceResult(err)).Inc()
	c.sourceDuration.WithLabelValues(s).Observe(duration.Seconds())
}

func sourceResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrRateLimited):
		return "throttled"
	case errors.Is(err, models.ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, models.ErrDatastoreUnavailable):
		return "datastore_unavailable"
	default:
		return "error"
	}
}

// ObserveEnvelope records one envelope leaving the worker pool. An empty
// status means it was released back to pending.
func (c *PipelineCollector) ObserveEnvelope(status models.EnvelopeStatus, degraded bool, duration time.Duration) {
	label := string(status)
	if label == "" {
		label = "released"
	}
	c.envelopes.WithLabelValues(label, strconv.FormatBool(degraded)).Inc()
	c.envelopeDuration.Observe(duration.Seconds())
}

// ObserveBacklog records the outcome of one backlog sweep.
func (c *PipelineCollector) ObserveBacklog(result ingestion.BacklogResult, duration time.Duration) {
	c.backlogRuns.Inc()
	c.backlogDuration.Observe(duration.Seconds())
	c.backlogLastItems.WithLabelValues("processed").Set(float64(result.Processed))
	c.backlogLastItems.WithLabelValues("saved").Set(float64(result.Saved))
	c.backlogLastItems.WithLabelValues("skipped").Set(float64(result.Skipped))
	c.backlogLastItems.WithLabelValues("failed").Set(float64(result.Failed))
	c.backlogLastItems.WithLabelValues("degraded").Set(float64(result.Degraded))
	c.backlogLastItems.WithLabelValues("released").Set(float64(result.Released))
}
