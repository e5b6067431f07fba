package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	buildDuration    prom.Histogram
	stageOutcomes    *prom.CounterVec
	buildOutcomes    *prom.CounterVec
	cacheResults     *prom.CounterVec
	recordsPruned    *prom.CounterVec
	stageConcurrency prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "sitesync",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "sitesync",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stageOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitesync",
			Name:      "stage_outcomes_total",
			Help:      "Stage outcome counts",
		}, []string{"stage", "outcome"})
		pr.buildOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitesync",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.cacheResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitesync",
			Name:      "cache_requests_total",
			Help:      "Fetch cache hits and misses by stage",
		}, []string{"stage", "result"})
		pr.recordsPruned = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitesync",
			Name:      "records_pruned_total",
			Help:      "Content records pruned at end of build",
		}, []string{"variant"})
		pr.stageConcurrency = prom.NewGauge(prom.GaugeOpts{
			Namespace: "sitesync",
			Name:      "stage_concurrency",
			Help:      "Configured stage worker pool size for the last build",
		})
		reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.stageOutcomes, pr.buildOutcomes, pr.cacheResults, pr.recordsPruned, pr.stageConcurrency)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageOutcome(stage, outcome string) {
	if p == nil || p.stageOutcomes == nil {
		return
	}
	p.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcomes == nil {
		return
	}
	p.buildOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncCacheHit(stage string) {
	if p == nil || p.cacheResults == nil {
		return
	}
	p.cacheResults.WithLabelValues(stage, "hit").Inc()
}

func (p *PrometheusRecorder) IncCacheMiss(stage string) {
	if p == nil || p.cacheResults == nil {
		return
	}
	p.cacheResults.WithLabelValues(stage, "miss").Inc()
}

func (p *PrometheusRecorder) AddRecordsPruned(variant string, n int) {
	if p == nil || p.recordsPruned == nil || n <= 0 {
		return
	}
	p.recordsPruned.WithLabelValues(variant).Add(float64(n))
}

func (p *PrometheusRecorder) SetStageConcurrency(n int) {
	if p == nil || p.stageConcurrency == nil {
		return
	}
	p.stageConcurrency.Set(float64(n))
}
