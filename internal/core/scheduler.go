package core

import "fmt"

// Scheduler tracks stage states and enforces the stage state machine:
// pending --> running --> {succeeded, failed, unstable}, or pending --> skipped.
// Stages are started strictly in declaration order.
type Scheduler struct {
	states []Outcome
}

// NewScheduler creates a scheduler with every stage pending.
func NewScheduler(stages int) *Scheduler {
	s := &Scheduler{states: make([]Outcome, stages)}
	for i := range s.states {
		s.states[i] = OutcomePending
	}
	return s
}

// Start moves stage i to running. Every earlier stage must be terminal.
func (s *Scheduler) Start(i int) error {
	if err := s.check(i, OutcomePending); err != nil {
		return err
	}
	for j := 0; j < i; j++ {
		if !s.states[j].Terminal() {
			return fmt.Errorf("stage %d started before stage %d finished", i, j)
		}
	}
	s.states[i] = OutcomeRunning
	return nil
}

// Finish records the outcome of a running stage.
func (s *Scheduler) Finish(i int, o Outcome) error {
	if err := s.check(i, OutcomeRunning); err != nil {
		return err
	}
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeUnstable:
	default:
		return fmt.Errorf("stage %d: %q is not a finishing outcome", i, o)
	}
	s.states[i] = o
	return nil
}

// Skip marks a stage that will never run.
func (s *Scheduler) Skip(i int) error {
	if err := s.check(i, OutcomePending); err != nil {
		return err
	}
	s.states[i] = OutcomeSkipped
	return nil
}

// State returns the current state of stage i.
func (s *Scheduler) State(i int) Outcome {
	return s.states[i]
}

func (s *Scheduler) check(i int, want Outcome) error {
	if i < 0 || i >= len(s.states) {
		return fmt.Errorf("stage index %d out of range", i)
	}
	if s.states[i] != want {
		return fmt.Errorf("stage %d is %s, want %s", i, s.states[i], want)
	}
	return nil
}
