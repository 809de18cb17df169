package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cierr "stageci/internal/errors"
	"stageci/internal/logfields"
)

var tracer = otel.Tracer("stageci/internal/core")

// CommandRunner executes one external command.
type CommandRunner interface {
	Run(ctx context.Context, c Command) (ExecutionResult, error)
}

// EnvironmentManager owns the lifecycle of the isolated environment.
type EnvironmentManager interface {
	Create(ctx context.Context, path string) (*Environment, error)
	Activate(env *Environment) (*Activation, error)
	BootstrapPackageManager(ctx context.Context, env *Environment) error
	Teardown(env *Environment) error
}

// DependencySnapshotter records installed packages into the manifest.
type DependencySnapshotter interface {
	Snapshot(ctx context.Context, act *Activation, manifestPath string, mode SnapshotMode) error
}

// ArtifactAggregator resolves declared outputs and archives them.
type ArtifactAggregator interface {
	Collect(workspace, stage string, specs []ArtifactSpec) ([]Artifact, []error)
	Archive(ctx context.Context, runID, stage string, outcome Outcome, artifacts []Artifact) ([]Artifact, error)
}

// AssetFetcher downloads auxiliary documentation assets.
type AssetFetcher interface {
	Fetch(ctx context.Context, workspace string) error
}

// StepLogSink persists the captured output of a step.
type StepLogSink interface {
	SaveStepLog(runID, stage, step string, res ExecutionResult) (string, error)
}

// Options tune the engine.
type Options struct {
	EnvironmentPath   string        // relative to the workspace unless absolute; default "venv"
	ManifestFilename  string        // relative to the workspace; default "requirements.txt"
	DefaultTimeout    time.Duration // applied to steps without their own timeout; zero means none
	PostActionTimeout time.Duration // bound for post-actions once the pipeline is canceled
	KeepEnvironment   bool          // leave the environment for inspection instead of removing it
}

// Engine drives a pipeline: stages in order, steps in order, post-actions always.
type Engine struct {
	runner    CommandRunner
	envs      EnvironmentManager
	snapshots DependencySnapshotter
	artifacts ArtifactAggregator
	assets    AssetFetcher
	logs      StepLogSink
	hooks     Hooks
	logger    *slog.Logger
	opts      Options
	newID     func() string
}

// NewEngine creates an engine. Collaborators other than the runner are optional.
func NewEngine(runner CommandRunner, opts Options) *Engine {
	if opts.EnvironmentPath == "" {
		opts.EnvironmentPath = "venv"
	}
	if opts.ManifestFilename == "" {
		opts.ManifestFilename = "requirements.txt"
	}
	if opts.PostActionTimeout <= 0 {
		opts.PostActionTimeout = 2 * time.Minute
	}
	return &Engine{
		runner: runner,
		hooks:  NoopHooks{},
		logger: slog.Default(),
		opts:   opts,
		newID:  uuid.NewString,
	}
}

func (e *Engine) WithEnvironmentManager(m EnvironmentManager) *Engine { e.envs = m; return e }
func (e *Engine) WithSnapshotter(s DependencySnapshotter) *Engine     { e.snapshots = s; return e }
func (e *Engine) WithAggregator(a ArtifactAggregator) *Engine         { e.artifacts = a; return e }
func (e *Engine) WithAssetFetcher(f AssetFetcher) *Engine             { e.assets = f; return e }
func (e *Engine) WithStepLogs(s StepLogSink) *Engine                  { e.logs = s; return e }
func (e *Engine) WithLogger(l *slog.Logger) *Engine                   { e.logger = l; return e }
func (e *Engine) WithRunID(fn func() string) *Engine                  { e.newID = fn; return e }

// WithHooks replaces the event hooks.
func (e *Engine) WithHooks(h Hooks) *Engine {
	if h == nil {
		h = NoopHooks{}
	}
	e.hooks = h
	return e
}

type runState struct {
	pipeline   *Pipeline
	result     *Result
	workspace  string
	env        *Environment
	activation *Activation
	fatal      error
	log        *slog.Logger
}

// Run executes the pipeline to completion and returns its result. A failed
// stage never stops later stages; only setup-fatal errors and cancellation do.
func (e *Engine) Run(ctx context.Context, p *Pipeline) *Result {
	ws, err := filepath.Abs(p.Workspace)
	if err != nil {
		ws = p.Workspace
	}
	res := &Result{
		RunID:    e.newID(),
		Pipeline: p.Name,
		Outcome:  OutcomeSucceeded,
		Stages:   make([]StageResult, len(p.Stages)),
		Started:  time.Now(),
	}
	for i, st := range p.Stages {
		res.Stages[i] = StageResult{Name: st.Name, Outcome: OutcomePending}
	}
	st := &runState{
		pipeline:  p,
		result:    res,
		workspace: ws,
		log:       e.logger.With(logfields.RunID(res.RunID), logfields.Pipeline(p.Name)),
	}

	ctx, span := tracer.Start(ctx, "pipeline "+p.Name, trace.WithAttributes(
		attribute.String("stageci.run_id", res.RunID),
		attribute.Int("stageci.stages", len(p.Stages)),
	))
	defer span.End()

	st.log.Info("Pipeline started", slog.String("workspace", ws), slog.Int("stages", len(p.Stages)))
	e.hooks.PipelineStarted(ctx, res)

	sched := NewScheduler(len(p.Stages))
	for i := range p.Stages {
		if st.fatal != nil {
			if err := sched.Skip(i); err != nil {
				st.log.Error("Scheduler rejected skip", logfields.Error(err))
			}
			res.Stages[i].Outcome = OutcomeSkipped
			st.log.Info("Stage skipped", logfields.Stage(p.Stages[i].Name))
			continue
		}
		if err := sched.Start(i); err != nil {
			st.log.Error("Scheduler rejected start", logfields.Error(err))
		}
		e.runStage(ctx, st, i)
		if err := sched.Finish(i, res.Stages[i].Outcome); err != nil {
			st.log.Error("Scheduler rejected finish", logfields.Error(err))
		}
		res.Outcome = Worst(res.Outcome, res.Stages[i].Outcome)
	}

	if !p.Post.Empty() {
		postCtx, cancel := e.postContext(ctx)
		res.Post = StageResult{Name: PostStageName, Outcome: OutcomeSucceeded, Started: time.Now()}
		post := p.Post
		if st.fatal != nil && !cierr.IsKind(st.fatal, cierr.KindCanceled) && len(post.Artifacts) > 0 {
			// Outputs found after an abort cannot be attributed to this run.
			post.Artifacts = nil
			res.Post.Problems = append(res.Post.Problems, "Artifact archival skipped: pipeline aborted")
			st.log.Warn("Pipeline artifacts not archived after abort", logfields.Error(st.fatal))
		}
		if e.runPost(postCtx, st, &res.Post, post, res.Outcome) {
			res.Post.Outcome = OutcomeFailed
		}
		res.Post.Finished = time.Now()
		res.Outcome = Worst(res.Outcome, res.Post.Outcome)
		cancel()
	}

	if st.env != nil && e.envs != nil && !e.opts.KeepEnvironment {
		if err := e.envs.Teardown(st.env); err != nil {
			st.log.Warn("Environment teardown failed", logfields.Path(st.env.Path), logfields.Error(err))
		}
	}

	if st.fatal != nil {
		res.Outcome = OutcomeFailed
		res.Error = st.fatal.Error()
		span.RecordError(st.fatal)
	}
	res.Finished = time.Now()
	span.SetAttributes(attribute.String("stageci.outcome", string(res.Outcome)))
	if res.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "pipeline failed")
	}
	e.hooks.PipelineFinished(ctx, res)
	st.log.Info("Pipeline finished",
		logfields.Outcome(string(res.Outcome)),
		logfields.DurationMS(float64(res.Finished.Sub(res.Started).Milliseconds())))
	return res
}

func (e *Engine) runStage(ctx context.Context, st *runState, i int) {
	stage := &st.pipeline.Stages[i]
	sr := &st.result.Stages[i]
	sr.Outcome = OutcomeRunning
	sr.Started = time.Now()
	log := st.log.With(logfields.Stage(stage.Name))

	ctx, span := tracer.Start(ctx, "stage "+stage.Name)
	defer span.End()
	e.hooks.StageStarted(ctx, st.result, stage.Name)
	log.Info("Stage started", slog.Int("steps", len(stage.Steps)))

	failed, unstable := false, false
	for j := range stage.Steps {
		step := &stage.Steps[j]
		if failed || st.fatal != nil {
			sr.Steps = append(sr.Steps, StepResult{Name: step.Name, Policy: step.Policy, Outcome: OutcomeSkipped})
			continue
		}
		if ctx.Err() != nil {
			st.fatal = cierr.Canceled(stage.Name, context.Cause(ctx))
			failed = true
			sr.Steps = append(sr.Steps, StepResult{Name: step.Name, Policy: step.Policy, Outcome: OutcomeSkipped})
			continue
		}

		res, err := e.runStep(ctx, st, stage, step)
		switch {
		case err == nil:
			log.Info("Step succeeded", logfields.Step(step.Name), logfields.DurationMS(float64(res.Duration.Milliseconds())))
		case cierr.IsPipelineFatal(err):
			st.fatal = err
			failed = true
			log.Error("Step aborted the pipeline", logfields.Step(step.Name), logfields.Error(err))
		case step.Policy == PolicyTolerated:
			unstable = true
			res.Tolerated = true
			log.Warn("Tolerated step failure", logfields.Step(step.Name),
				logfields.ExitCode(res.ExitCode), logfields.TimedOut(res.TimedOut), logfields.Error(err))
		default:
			failed = true
			log.Error("Step failed", logfields.Step(step.Name),
				logfields.ExitCode(res.ExitCode), logfields.TimedOut(res.TimedOut), logfields.Error(err))
		}
		sr.Steps = append(sr.Steps, res)
		e.hooks.StepFinished(ctx, st.result, stage.Name, res)
	}

	switch {
	case failed:
		sr.Outcome = OutcomeFailed
	case unstable:
		sr.Outcome = OutcomeUnstable
	default:
		sr.Outcome = OutcomeSucceeded
	}

	postCtx, cancel := e.postContext(ctx)
	defer cancel()
	if e.runPost(postCtx, st, sr, stage.Post, sr.Outcome) {
		sr.Outcome = OutcomeFailed
	}
	sr.Finished = time.Now()

	span.SetAttributes(attribute.String("stageci.outcome", string(sr.Outcome)))
	if sr.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "stage failed")
	}
	e.hooks.StageFinished(ctx, st.result, *sr)
	log.Info("Stage finished", logfields.Outcome(string(sr.Outcome)),
		logfields.DurationMS(float64(sr.Finished.Sub(sr.Started).Milliseconds())))
}

func (e *Engine) runStep(ctx context.Context, st *runState, stage *Stage, step *Step) (StepResult, error) {
	r := StepResult{Name: step.Name, Policy: step.Policy, Outcome: OutcomeSucceeded}
	start := time.Now()

	var err error
	if step.Uses != "" {
		err = e.runBuiltin(ctx, st, stage, step)
	} else {
		var out ExecutionResult
		out, err = e.runCommand(ctx, st, stage, step)
		r.ExitCode = out.ExitCode
		r.TimedOut = out.TimedOut
		if e.logs != nil && !cierr.IsKind(err, cierr.KindSpawn) {
			path, lerr := e.logs.SaveStepLog(st.result.RunID, stage.Name, step.Name, out)
			if lerr != nil {
				st.log.Warn("Failed to save step log", logfields.Stage(stage.Name), logfields.Step(step.Name), logfields.Error(lerr))
			}
			r.LogPath = path
		}
	}
	if err == nil && ctx.Err() != nil {
		err = cierr.Canceled(stage.Name, context.Cause(ctx))
	}

	r.Duration = time.Since(start)
	if err != nil {
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
	}
	return r, err
}

func (e *Engine) runCommand(ctx context.Context, st *runState, stage *Stage, step *Step) (ExecutionResult, error) {
	var act *Activation
	if !step.Host {
		if st.activation == nil && st.pipeline.UsesEnvironment() {
			return ExecutionResult{ExitCode: -1}, policyError(stage, step, errors.New("environment is not activated"))
		}
		act = st.activation
	}

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.opts.DefaultTimeout
	}
	dir := st.workspace
	if step.Dir != "" {
		dir = resolve(st.workspace, step.Dir)
	}

	env := map[string]string{
		"WORKSPACE":        st.workspace,
		"STAGECI_RUN_ID":   st.result.RunID,
		"STAGECI_STAGE":    stage.Name,
		"STAGECI_PIPELINE": st.pipeline.Name,
	}
	for k, v := range stage.Env {
		env[k] = v
	}
	for k, v := range step.Env {
		env[k] = v
	}

	res, err := e.runner.Run(ctx, Command{Line: step.Run, Timeout: timeout, Dir: dir, Activation: act, Env: env})
	if err != nil {
		if cierr.KindOf(err) == "" {
			err = cierr.SpawnError("run", err)
		}
		return res, annotate(err, stage, step)
	}
	if ctx.Err() != nil {
		return res, cierr.Canceled(stage.Name, context.Cause(ctx))
	}
	if res.TimedOut {
		return res, policyError(stage, step, fmt.Errorf("timed out after %s", timeout))
	}
	if res.ExitCode != 0 {
		return res, policyError(stage, step, fmt.Errorf("exit status %d", res.ExitCode))
	}
	return res, nil
}

func (e *Engine) runBuiltin(ctx context.Context, st *runState, stage *Stage, step *Step) error {
	switch step.Uses {
	case UsesEnvironmentCreate:
		path := e.environmentPath(st)
		if e.envs == nil {
			return annotate(cierr.EnvironmentCreationError(path, errors.New("no environment manager configured")), stage, step)
		}
		env, err := e.envs.Create(ctx, path)
		if err != nil {
			return annotate(classify(err, func(err error) error { return cierr.EnvironmentCreationError(path, err) }), stage, step)
		}
		st.env = env
		act, err := e.envs.Activate(env)
		if err != nil {
			return annotate(cierr.EnvironmentCreationError(path, err), stage, step)
		}
		st.activation = act
		st.log.Info("Environment activated", logfields.Path(env.Path))
		return nil

	case UsesEnvironmentBootstrap:
		path := e.environmentPath(st)
		if e.envs == nil || st.env == nil || st.env.State != EnvActivated {
			return annotate(cierr.BootstrapError(path, errors.New("environment is not activated")), stage, step)
		}
		if err := e.envs.BootstrapPackageManager(ctx, st.env); err != nil {
			return annotate(classify(err, func(err error) error { return cierr.BootstrapError(path, err) }), stage, step)
		}
		return nil

	case UsesAssetsFetch:
		if e.assets == nil {
			st.log.Info("Documentation asset fetch not configured, skipping", logfields.Stage(stage.Name), logfields.Step(step.Name))
			return nil
		}
		if err := e.assets.Fetch(ctx, st.workspace); err != nil {
			return policyError(stage, step, err)
		}
		return nil
	}
	return policyError(stage, step, fmt.Errorf("unknown built-in %q", step.Uses))
}

// runPost runs snapshot then artifact collection. It reports whether a
// required artifact was missing.
func (e *Engine) runPost(ctx context.Context, st *runState, sr *StageResult, post PostSpec, outcome Outcome) bool {
	log := st.log.With(logfields.Stage(sr.Name))
	problem := func(msg string, err error) {
		log.Warn(msg, logfields.Error(err))
		sr.Problems = append(sr.Problems, fmt.Sprintf("%s: %v", msg, err))
	}

	if post.Snapshot != SnapshotNone {
		switch {
		case e.snapshots == nil:
			problem("Dependency snapshot skipped", errors.New("no snapshotter configured"))
		case st.activation == nil:
			problem("Dependency snapshot skipped", errors.New("environment is not activated"))
		default:
			path := resolve(st.workspace, e.opts.ManifestFilename)
			if err := e.snapshots.Snapshot(ctx, st.activation, path, post.Snapshot); err != nil {
				problem("Dependency snapshot failed", err)
			} else {
				log.Info("Dependency snapshot recorded", logfields.Mode(string(post.Snapshot)), logfields.Path(path))
			}
		}
	}

	if len(post.Artifacts) == 0 {
		return false
	}
	if e.artifacts == nil {
		problem("Artifact collection skipped", errors.New("no aggregator configured"))
		return false
	}

	arts, errs := e.artifacts.Collect(st.workspace, sr.Name, post.Artifacts)
	for _, err := range errs {
		problem("Artifact missing", err)
	}
	found := make(map[string]bool, len(arts))
	for _, a := range arts {
		found[a.Name] = true
	}
	requiredMissing := false
	for _, spec := range post.Artifacts {
		if spec.Required && !found[spec.Name] {
			requiredMissing = true
		}
	}

	archived, err := e.artifacts.Archive(ctx, st.result.RunID, sr.Name, outcome, arts)
	if err != nil {
		problem("Artifact archival incomplete", err)
	}
	sr.Artifacts = archived
	return requiredMissing
}

// postContext keeps post-actions alive for a bounded time after cancellation.
func (e *Engine) postContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.PostActionTimeout)
}

func (e *Engine) environmentPath(st *runState) string {
	if st.pipeline.Environment.Path != "" {
		return resolve(st.workspace, st.pipeline.Environment.Path)
	}
	return resolve(st.workspace, e.opts.EnvironmentPath)
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func policyError(stage *Stage, step *Step, cause error) error {
	if step.Policy == PolicyTolerated {
		return cierr.ToleratedFailure(stage.Name, step.Name, cause)
	}
	return cierr.StepFailure(stage.Name, step.Name, cause)
}

func classify(err error, wrap func(error) error) error {
	if cierr.KindOf(err) != "" {
		return err
	}
	return wrap(err)
}

func annotate(err error, stage *Stage, step *Step) error {
	var ce *cierr.Error
	if errors.As(err, &ce) && ce.Stage == "" {
		return ce.InStage(stage.Name, step.Name)
	}
	return err
}
