package core

import "time"

// StepResult records one step execution.
type StepResult struct {
	Name      string        `json:"name"`
	Policy    Policy        `json:"policy"`
	Outcome   Outcome       `json:"outcome"` // succeeded, failed or skipped
	Tolerated bool          `json:"tolerated,omitempty"`
	ExitCode  int           `json:"exitCode"`
	TimedOut  bool          `json:"timedOut,omitempty"`
	Duration  time.Duration `json:"duration"`
	LogPath   string        `json:"logPath,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// StageResult records one stage, including its post-actions.
type StageResult struct {
	Name      string       `json:"name"`
	Outcome   Outcome      `json:"outcome"`
	Steps     []StepResult `json:"steps"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	Problems  []string     `json:"problems,omitempty"` // post-action failures and missing artifacts
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID    string        `json:"runId"`
	Pipeline string        `json:"pipeline"`
	Outcome  Outcome       `json:"outcome"`
	Stages   []StageResult `json:"stages"`
	Post     StageResult   `json:"post"`
	Error    string        `json:"error,omitempty"` // set when a setup-fatal error or cancellation aborted the run
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
}

// Stage returns the result of the named stage.
func (r *Result) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}
