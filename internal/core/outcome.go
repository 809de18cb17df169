package core

// Outcome is the state of a stage, a step or the whole pipeline.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeUnstable  Outcome = "unstable"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped" // never reached because the pipeline aborted
)

// Process exit codes for the worst pipeline outcome.
const (
	ExitSucceeded = 0
	ExitFailed    = 1
	ExitUnstable  = 2
	ExitError     = 3 // the orchestrator itself could not run
)

func (o Outcome) rank() int {
	switch o {
	case OutcomeFailed:
		return 2
	case OutcomeUnstable:
		return 1
	}
	return 0
}

// Terminal reports whether o is a final state.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSucceeded, OutcomeUnstable, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Worst returns the more severe of two outcomes.
func Worst(a, b Outcome) Outcome {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ExitCode maps a pipeline outcome to the orchestrator's exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeFailed:
		return ExitFailed
	case OutcomeUnstable:
		return ExitUnstable
	}
	return ExitSucceeded
}
