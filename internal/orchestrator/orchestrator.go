// Package orchestrator wires the engine and its collaborators from configuration.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"stageci/internal/artifacts"
	"stageci/internal/config"
	"stageci/internal/core"
	"stageci/internal/environment"
	"stageci/internal/ledger"
	"stageci/internal/logfields"
	"stageci/internal/manifest"
	"stageci/internal/metrics"
	"stageci/internal/security"
	"stageci/internal/storage"
)

// Orchestrator owns the long-lived resources shared by runs: the ledger, the
// step log store and the run history.
type Orchestrator struct {
	cfg      *config.Config
	logger   *slog.Logger
	ledger   *ledger.Ledger
	logs     *storage.LogStorage
	runs     *storage.RunStore
	recorder metrics.Recorder
	runner   core.CommandRunner
}

// New opens the ledger (generating signing keys on first use) and the run
// history. rec may be nil.
func New(cfg *config.Config, logger *slog.Logger, rec metrics.Recorder) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	pub, priv, created, err := security.EnsureKeyPair(cfg.Ledger.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("ledger keys: %w", err)
	}
	if created {
		logger.Info("Generated ledger signing keys", logfields.Path(cfg.Ledger.KeysDir))
	}
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.WithSigner(cfg.Ledger.AgentID, priv, pub)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		ledger:   l,
		logs:     storage.NewLogStorage(cfg.Logs.Dir),
		recorder: rec,
		runner:   &core.Executor{Shell: cfg.ShellArgs(), KillGrace: cfg.Runner.KillGrace},
	}
	if cfg.Storage.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		runs, err := storage.OpenRunStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		o.runs = runs
	}
	return o, nil
}

// WithRunner replaces the command runner used by every collaborator.
func (o *Orchestrator) WithRunner(r core.CommandRunner) *Orchestrator {
	o.runner = r
	return o
}

// Ledger returns the archive ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Runs returns the run history, or nil when it is disabled.
func (o *Orchestrator) Runs() *storage.RunStore { return o.runs }

// Logs returns the step log store.
func (o *Orchestrator) Logs() *storage.LogStorage { return o.logs }

// Close releases the run history database.
func (o *Orchestrator) Close() error {
	if o.runs == nil {
		return nil
	}
	return o.runs.Close()
}

// Run executes p to completion. An empty runID gets a generated one.
func (o *Orchestrator) Run(ctx context.Context, p *core.Pipeline, runID string) *core.Result {
	if !filepath.IsAbs(p.Workspace) {
		p.Workspace = filepath.Join(o.cfg.Workspace, p.Workspace)
	}
	engine := o.engine()
	if runID != "" {
		engine.WithRunID(func() string { return runID })
	}
	return engine.Run(ctx, p)
}

// engine builds a fresh engine; snapshot bookkeeping is scoped to one run.
func (o *Orchestrator) engine() *core.Engine {
	cfg := o.cfg
	envs := environment.NewManager(o.runner, environment.Options{
		Python:            cfg.Environment.Python,
		CleanBeforeCreate: cfg.Environment.CleanBeforeCreate,
	}, o.logger)
	snaps := manifest.NewSnapshotter(o.runner, manifest.Options{
		VersionCommand: cfg.Manifest.VersionCommand,
		FreezeCommand:  cfg.Manifest.FreezeCommand,
	}, o.logger)

	hooks := core.MultiHooks{metrics.NewHooks(o.recorder)}
	if o.runs != nil {
		hooks = append(hooks, o.runs)
	}

	e := core.NewEngine(o.runner, core.Options{
		EnvironmentPath:  cfg.Environment.Path,
		ManifestFilename: cfg.Manifest.Filename,
		DefaultTimeout:   cfg.Runner.DefaultTimeout,
		KeepEnvironment:  cfg.Environment.Keep,
	}).
		WithEnvironmentManager(envs).
		WithSnapshotter(snaps).
		WithAggregator(artifacts.NewAggregator(cfg.Artifacts.Dir, o.ledger, o.logger)).
		WithStepLogs(&ledgerLogs{logs: o.logs, ledger: o.ledger}).
		WithHooks(hooks).
		WithLogger(o.logger)
	if cfg.Docs.AssetFetch.Enabled() {
		e.WithAssetFetcher(artifacts.NewAssetFetcher(cfg.Docs.AssetFetch.URL, cfg.Docs.AssetFetch.TargetDir, nil, o.logger))
	}
	return e
}

// ledgerLogs stores a step log and records it in the ledger.
type ledgerLogs struct {
	logs   *storage.LogStorage
	ledger *ledger.Ledger
}

func (s *ledgerLogs) SaveStepLog(runID, stage, step string, res core.ExecutionResult) (string, error) {
	path, err := s.logs.SaveStepLog(runID, stage, step, res)
	if err != nil {
		return "", err
	}
	if err := s.ledger.RecordStepLog(runID, stage, step, path); err != nil {
		return path, fmt.Errorf("ledger: %w", err)
	}
	return path, nil
}
