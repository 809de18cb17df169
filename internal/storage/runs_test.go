package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageci/internal/core"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := OpenRunStore(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult(id string) *core.Result {
	start := time.Now().Add(-time.Minute)
	return &core.Result{
		RunID:    id,
		Pipeline: "mathematics",
		Outcome:  core.OutcomeUnstable,
		Started:  start,
		Stages: []core.StageResult{
			{Name: "Setup", Outcome: core.OutcomeSucceeded, Started: start, Finished: start.Add(10 * time.Second)},
			{Name: "Test", Outcome: core.OutcomeUnstable, Started: start.Add(10 * time.Second), Finished: start.Add(70 * time.Second)},
			{Name: "Analyze", Outcome: core.OutcomeSkipped},
		},
		Finished: start.Add(80 * time.Second),
	}
}

func TestRunStore_HookLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := sampleResult("run-1")

	require.NoError(t, s.Enqueue(ctx, run.RunID, run.Pipeline))
	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomePending, rec.Outcome)
	assert.Nil(t, rec.StartedAt)

	s.PipelineStarted(ctx, run)
	rec, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRunning, rec.Outcome)
	require.NotNil(t, rec.StartedAt)

	s.StageFinished(ctx, run, run.Stages[0])
	rec, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rec.Stages, 1)
	assert.Equal(t, int64(10_000), rec.Stages[0].DurationMS)

	s.PipelineFinished(ctx, run)
	rec, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUnstable, rec.Outcome)
	require.NotNil(t, rec.FinishedAt)
	require.Len(t, rec.Stages, 3)
	assert.Equal(t, core.OutcomeSkipped, rec.Stages[2].Outcome)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "Test", rec.Result.Stages[1].Name)
}

func TestRunStore_FinishWithoutStart(t *testing.T) {
	s := openTestStore(t)
	run := sampleResult("direct")
	run.Outcome = core.OutcomeFailed
	run.Error = "environment.create (environment_creation): boom"

	require.NoError(t, s.Finish(context.Background(), run))
	rec, err := s.Get(context.Background(), "direct")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, rec.Outcome)
	assert.Equal(t, run.Error, rec.Error)
}

func TestRunStore_ListAndNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		require.NoError(t, s.Enqueue(ctx, id, "p"))
	}

	runs, err := s.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Nil(t, runs[0].Result)

	runs, err = s.List(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
