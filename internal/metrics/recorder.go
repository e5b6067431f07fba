// Package metrics provides observability hooks for build and stage metrics.
// Components receive a Recorder through dependency injection; the default
// NoopRecorder keeps metrics optional without nil checks at call sites.
package metrics

import "time"

// Recorder defines observability hooks for build and stage metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStageOutcome(stage, outcome string) // outcome: success|failed|skipped|blocked
	IncBuildOutcome(outcome string)        // outcome: success|failed|canceled
	IncCacheHit(stage string)
	IncCacheMiss(stage string)
	AddRecordsPruned(variant string, n int)
	SetStageConcurrency(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncStageOutcome(string, string)             {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncCacheHit(string)                         {}
func (NoopRecorder) IncCacheMiss(string)                        {}
func (NoopRecorder) AddRecordsPruned(string, int)               {}
func (NoopRecorder) SetStageConcurrency(int)                    {}
