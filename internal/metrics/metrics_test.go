package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageci/internal/core"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveStageDuration("Test", 90*time.Second)
	pr.ObservePipelineDuration(3 * time.Minute)
	pr.IncStageResult("Test", core.OutcomeUnstable)
	pr.IncPipelineOutcome(core.OutcomeUnstable)
	pr.IncStepTimeout("Test")
	pr.IncToleratedFailure("Test")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 6)
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stageResults.WithLabelValues("Test", "unstable")))

	var nilRecorder *PrometheusRecorder
	assert.NotPanics(t, func() { nilRecorder.IncStepTimeout("Test") })
}

func TestHooksRecordEngineEvents(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	h := NewHooks(pr)
	ctx := context.Background()

	start := time.Now()
	run := &core.Result{Outcome: core.OutcomeUnstable, Started: start, Finished: start.Add(time.Minute)}
	h.StepFinished(ctx, run, "Test", core.StepResult{Name: "pytest", Tolerated: true, TimedOut: true})
	h.StepFinished(ctx, run, "Test", core.StepResult{Name: "coverage"})
	h.StageFinished(ctx, run, core.StageResult{Name: "Test", Outcome: core.OutcomeUnstable, Started: start, Finished: start.Add(time.Minute)})
	h.PipelineFinished(ctx, run)

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stepTimeouts.WithLabelValues("Test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.tolerated.WithLabelValues("Test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.pipelineOutcome.WithLabelValues("unstable")))

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stageci_step_timeouts_total")
}

func TestNewHooksNilRecorder(t *testing.T) {
	h := NewHooks(nil)
	assert.NotPanics(t, func() {
		h.PipelineFinished(context.Background(), &core.Result{})
	})
}
