//go:build unix

package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageci/internal/config"
	"stageci/internal/core"
	"stageci/internal/ledger"
)

const twoStagePipeline = `
name: reports
stages:
  - name: Test
    steps:
      - name: tests
        run: mkdir -p reports && printf '<coverage line-rate="0.5" branch-rate="0.25"/>' > reports/coverage.xml && exit 1
        policy: tolerated
    post:
      artifacts:
        - name: coverage
          kind: coverage
          path: reports/coverage.xml
  - name: Analyze
    steps:
      - name: lint
        run: |
          echo 'pkg/mod.py:1: [C0114, ] Missing module docstring (missing-module-docstring)' > pylint.log
    post:
      artifacts:
        - name: lint
          kind: lintFindings
          path: pylint.log
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	state := t.TempDir()
	return &config.Config{
		Workspace:   t.TempDir(),
		Shell:       "sh -c",
		Environment: config.EnvironmentConfig{Path: "venv", Python: "python3"},
		Manifest:    config.ManifestConfig{Filename: "requirements.txt"},
		Runner:      config.RunnerConfig{KillGrace: time.Second},
		Artifacts:   config.DirConfig{Dir: filepath.Join(state, "artifacts")},
		Logs:        config.DirConfig{Dir: filepath.Join(state, "logs")},
		Ledger: config.LedgerConfig{
			Path:    filepath.Join(state, "ledger.jsonl"),
			KeysDir: filepath.Join(state, "keys"),
			AgentID: "test-agent",
		},
		Storage: config.StorageConfig{SQLitePath: filepath.Join(state, "db", "runs.db")},
	}
}

func TestOrchestrator_RunRecordsEverything(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	p, err := core.ParsePipeline([]byte(twoStagePipeline))
	require.NoError(t, err)

	res := o.Run(context.Background(), p, "run-42")
	require.Equal(t, core.OutcomeUnstable, res.Outcome)
	assert.Equal(t, "run-42", res.RunID)
	assert.Equal(t, cfg.Workspace, p.Workspace)

	test, _ := res.Stage("Test")
	require.Len(t, test.Artifacts, 1)
	assert.Equal(t, "line 50.0%, branch 25.0%", test.Artifacts[0].Summary)
	assert.FileExists(t, filepath.Join(cfg.Artifacts.Dir, "run-42", "Test", "coverage", "coverage.xml"))
	assert.FileExists(t, test.Steps[0].LogPath)

	entries := o.Ledger().ForRun("run-42")
	require.Len(t, entries, 4)
	kinds := map[ledger.EntryKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
		assert.Equal(t, "test-agent", e.AgentID)
	}
	assert.Equal(t, 2, kinds[ledger.KindStepLog])
	assert.Equal(t, 2, kinds[ledger.KindArtifact])
	require.NoError(t, o.Ledger().VerifyChain())
	require.NoError(t, o.Ledger().VerifyFiles())

	rec, err := o.Runs().Get(context.Background(), "run-42")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUnstable, rec.Outcome)
	require.Len(t, rec.Stages, 2)
	assert.Equal(t, core.OutcomeSucceeded, rec.Stages[1].Outcome)
}

func TestOrchestrator_ReopensExistingState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.SQLitePath = ""
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := New(cfg, logger, nil)
	require.NoError(t, err)
	p, err := core.ParsePipeline([]byte(twoStagePipeline))
	require.NoError(t, err)
	first.Run(context.Background(), p, "")
	assert.Nil(t, first.Runs())

	second, err := New(cfg, logger, nil)
	require.NoError(t, err)
	assert.Len(t, second.Ledger().Entries(), 4)
	assert.NoError(t, second.Ledger().VerifyChain())
}
