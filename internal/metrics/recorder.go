// Package metrics records pipeline and stage metrics. Components receive a
// Recorder and default to NoopRecorder, so metrics stay optional.
package metrics

import (
	"time"

	"stageci/internal/core"
)

// Recorder defines observability hooks for pipeline and stage metrics.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObservePipelineDuration(d time.Duration)
	IncStageResult(stage string, outcome core.Outcome)
	IncPipelineOutcome(outcome core.Outcome)
	IncStepTimeout(stage string)
	IncToleratedFailure(stage string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObservePipelineDuration(time.Duration)      {}
func (NoopRecorder) IncStageResult(string, core.Outcome)        {}
func (NoopRecorder) IncPipelineOutcome(core.Outcome)            {}
func (NoopRecorder) IncStepTimeout(string)                      {}
func (NoopRecorder) IncToleratedFailure(string)                 {}
