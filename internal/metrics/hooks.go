package metrics

import (
	"context"

	"stageci/internal/core"
)

// Hooks feeds engine events into a Recorder.
type Hooks struct {
	core.NoopHooks
	rec Recorder
}

var _ core.Hooks = Hooks{}

// NewHooks wraps rec. A nil rec records nothing.
func NewHooks(rec Recorder) Hooks {
	if rec == nil {
		rec = NoopRecorder{}
	}
	return Hooks{rec: rec}
}

func (h Hooks) StepFinished(_ context.Context, _ *core.Result, stage string, step core.StepResult) {
	if step.TimedOut {
		h.rec.IncStepTimeout(stage)
	}
	if step.Tolerated {
		h.rec.IncToleratedFailure(stage)
	}
}

func (h Hooks) StageFinished(_ context.Context, _ *core.Result, stage core.StageResult) {
	h.rec.ObserveStageDuration(stage.Name, stage.Finished.Sub(stage.Started))
	h.rec.IncStageResult(stage.Name, stage.Outcome)
}

func (h Hooks) PipelineFinished(_ context.Context, run *core.Result) {
	h.rec.ObservePipelineDuration(run.Finished.Sub(run.Started))
	h.rec.IncPipelineOutcome(run.Outcome)
}
