package core

import "context"

// Hooks receive engine events. Implementations must not block for long; they
// run on the single control thread that drives the pipeline.
type Hooks interface {
	PipelineStarted(ctx context.Context, run *Result)
	StageStarted(ctx context.Context, run *Result, stage string)
	StepFinished(ctx context.Context, run *Result, stage string, step StepResult)
	StageFinished(ctx context.Context, run *Result, stage StageResult)
	PipelineFinished(ctx context.Context, run *Result)
}

// NoopHooks ignores every event.
type NoopHooks struct{}

func (NoopHooks) PipelineStarted(context.Context, *Result)                  {}
func (NoopHooks) StageStarted(context.Context, *Result, string)             {}
func (NoopHooks) StepFinished(context.Context, *Result, string, StepResult) {}
func (NoopHooks) StageFinished(context.Context, *Result, StageResult)       {}
func (NoopHooks) PipelineFinished(context.Context, *Result)                 {}

// MultiHooks fans events out in order.
type MultiHooks []Hooks

func (m MultiHooks) PipelineStarted(ctx context.Context, run *Result) {
	for _, h := range m {
		h.PipelineStarted(ctx, run)
	}
}

func (m MultiHooks) StageStarted(ctx context.Context, run *Result, stage string) {
	for _, h := range m {
		h.StageStarted(ctx, run, stage)
	}
}

func (m MultiHooks) StepFinished(ctx context.Context, run *Result, stage string, step StepResult) {
	for _, h := range m {
		h.StepFinished(ctx, run, stage, step)
	}
}

func (m MultiHooks) StageFinished(ctx context.Context, run *Result, stage StageResult) {
	for _, h := range m {
		h.StageFinished(ctx, run, stage)
	}
}

func (m MultiHooks) PipelineFinished(ctx context.Context, run *Result) {
	for _, h := range m {
		h.PipelineFinished(ctx, run)
	}
}
