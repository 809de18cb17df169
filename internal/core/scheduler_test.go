package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SequentialOrder(t *testing.T) {
	s := NewScheduler(3)
	assert.Error(t, s.Start(1), "stage 1 cannot start while stage 0 is pending")

	require.NoError(t, s.Start(0))
	assert.Error(t, s.Start(1), "stage 1 cannot start while stage 0 is running")
	require.NoError(t, s.Finish(0, OutcomeFailed))

	require.NoError(t, s.Start(1))
	require.NoError(t, s.Finish(1, OutcomeUnstable))
	require.NoError(t, s.Skip(2))

	assert.Equal(t, OutcomeFailed, s.State(0))
	assert.Equal(t, OutcomeUnstable, s.State(1))
	assert.Equal(t, OutcomeSkipped, s.State(2))
}

func TestScheduler_RejectsInvalidTransitions(t *testing.T) {
	s := NewScheduler(2)
	assert.Error(t, s.Finish(0, OutcomeSucceeded), "pending stage cannot finish")
	require.NoError(t, s.Start(0))
	assert.Error(t, s.Finish(0, OutcomeSkipped))
	assert.Error(t, s.Finish(0, OutcomePending))
	assert.Error(t, s.Skip(0), "running stage cannot be skipped")
	require.NoError(t, s.Finish(0, OutcomeSucceeded))
	assert.Error(t, s.Start(0), "finished stage cannot restart")
	assert.Error(t, s.Start(5))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeFailed, Worst(OutcomeUnstable, OutcomeFailed))
	assert.Equal(t, OutcomeUnstable, Worst(OutcomeUnstable, OutcomeSucceeded))
	assert.Equal(t, OutcomeSucceeded, Worst(OutcomeSucceeded, OutcomeSkipped))

	assert.Equal(t, ExitSucceeded, OutcomeSucceeded.ExitCode())
	assert.Equal(t, ExitUnstable, OutcomeUnstable.ExitCode())
	assert.Equal(t, ExitFailed, OutcomeFailed.ExitCode())
}

func TestActivationEnviron(t *testing.T) {
	var nilAct *Activation
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	assert.Equal(t, base, nilAct.Environ(base))

	act := &Activation{
		PathPrepend: []string{"/venv/bin"},
		Set:         map[string]string{"VIRTUAL_ENV": "/venv"},
		Unset:       []string{"PYTHONHOME"},
	}
	env := act.Environ([]string{"PATH=/usr/bin", "PYTHONHOME=/opt", "VIRTUAL_ENV=/old", "HOME=/root"})
	assert.ElementsMatch(t, []string{"HOME=/root", "VIRTUAL_ENV=/venv", "PATH=/venv/bin:/usr/bin"}, env)
}
