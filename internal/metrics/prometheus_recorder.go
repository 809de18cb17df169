package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"stageci/internal/core"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration    *prom.HistogramVec
	pipelineDuration prom.Histogram
	stageResults     *prom.CounterVec
	pipelineOutcome  *prom.CounterVec
	stepTimeouts     *prom.CounterVec
	tolerated        *prom.CounterVec
}

// Long-running test and docs stages need buckets beyond prom.DefBuckets.
var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "stageci",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual stages including post-actions",
			Buckets:   durationBuckets,
		}, []string{"stage"}),
		pipelineDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "stageci",
			Name:      "pipeline_duration_seconds",
			Help:      "Total pipeline duration",
			Buckets:   durationBuckets,
		}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "stageci",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "outcome"}),
		pipelineOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "stageci",
			Name:      "pipeline_outcomes_total",
			Help:      "Pipeline outcomes by final status",
		}, []string{"outcome"}),
		stepTimeouts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "stageci",
			Name:      "step_timeouts_total",
			Help:      "Steps killed because they exceeded their timeout",
		}, []string{"stage"}),
		tolerated: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "stageci",
			Name:      "tolerated_failures_total",
			Help:      "Step failures tolerated by policy",
		}, []string{"stage"}),
	}
	reg.MustRegister(pr.stageDuration, pr.pipelineDuration, pr.stageResults, pr.pipelineOutcome, pr.stepTimeouts, pr.tolerated)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObservePipelineDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.pipelineDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, outcome core.Outcome) {
	if p == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncPipelineOutcome(outcome core.Outcome) {
	if p == nil {
		return
	}
	p.pipelineOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncStepTimeout(stage string) {
	if p == nil {
		return
	}
	p.stepTimeouts.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncToleratedFailure(stage string) {
	if p == nil {
		return
	}
	p.tolerated.WithLabelValues(stage).Inc()
}
