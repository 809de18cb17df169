package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageci/internal/config"
	"stageci/internal/ledger"
	"stageci/internal/security"
)

const validPipeline = `
name: demo
stages:
  - name: Build
    steps:
      - run: echo building
  - name: Check
    steps:
      - run: "true"
      - run: echo checking
        policy: tolerated
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Ledger: config.LedgerConfig{
			Path:    filepath.Join(dir, "ledger.jsonl"),
			KeysDir: filepath.Join(dir, "keys"),
			AgentID: "test",
		},
	}
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	require.NoError(t, runValidate(writeFile(t, dir, "ok.yaml", validPipeline), &out))
	assert.Equal(t, "Pipeline \"demo\" is valid: 2 stages, 3 steps\n", out.String())

	bad := writeFile(t, dir, "bad.yaml", "name: x\nstages:\n  - name: A\n    steps:\n      - run: a\n        uses: environment.create\n")
	assert.Error(t, runValidate(bad, io.Discard))
	assert.Error(t, runValidate(filepath.Join(dir, "missing.yaml"), io.Discard))
}

func TestRunManifestShow(t *testing.T) {
	path := writeFile(t, t.TempDir(), "requirements.txt",
		"pip 24.0 from /venv/lib/python3.12/site-packages/pip (python 3.12)\n"+
			"pip 24.0 from /venv/lib/python3.12/site-packages/pip (python 3.12)\n"+
			"pytest==8.1.1\n"+
			"-e git+https://example.com/repo.git#egg=tool\n")

	var out bytes.Buffer
	require.NoError(t, runManifestShow(path, &out))
	assert.Equal(t,
		"#1 pip 24.0 from /venv/lib/python3.12/site-packages/pip (python 3.12)\n"+
			"#2 pip 24.0 from /venv/lib/python3.12/site-packages/pip (python 3.12)\n"+
			"    pytest 8.1.1\n"+
			"    -e git+https://example.com/repo.git#egg=tool\n",
		out.String())
}

func TestRunKeygen(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, runKeygen(cfg, false, io.Discard))
	first, err := security.LoadPublicKey(filepath.Join(cfg.Ledger.KeysDir, security.PublicKeyFile))
	require.NoError(t, err)

	assert.Error(t, runKeygen(cfg, false, io.Discard), "existing keys are kept without --force")

	require.NoError(t, runKeygen(cfg, true, io.Discard))
	second, err := security.LoadPublicKey(filepath.Join(cfg.Ledger.KeysDir, security.PublicKeyFile))
	require.NoError(t, err)
	assert.False(t, first.Equal(second))

	_, _, created, err := security.EnsureKeyPair(cfg.Ledger.KeysDir)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLedgerCommands(t *testing.T) {
	cfg := testConfig(t)
	pub, priv, _, err := security.EnsureKeyPair(cfg.Ledger.KeysDir)
	require.NoError(t, err)

	l, err := ledger.Open(cfg.Ledger.Path)
	require.NoError(t, err)
	l.WithSigner("test", priv, pub)
	logFile := writeFile(t, t.TempDir(), "step.log", "ok\n")
	require.NoError(t, l.RecordStepLog("run-1", "Build", "compile", logFile))
	require.NoError(t, l.RecordStepLog("run-2", "Build", "compile", logFile))

	var out bytes.Buffer
	require.NoError(t, runLedgerInspect(cfg, "run-2", &out))
	assert.Contains(t, out.String(), "Index=1 Run=run-2 Stage=Build Kind=step-log Subject=compile")
	assert.NotContains(t, out.String(), "run-1")

	out.Reset()
	require.NoError(t, runLedgerVerify(cfg, true, &out))
	assert.Equal(t, "Ledger verification OK (2 entries)\n", out.String())

	require.NoError(t, os.WriteFile(logFile, []byte("changed\n"), 0o644))
	assert.NoError(t, runLedgerVerify(cfg, false, io.Discard))
	assert.Error(t, runLedgerVerify(cfg, true, io.Discard))
}

func TestRunSubmit(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pipelines" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody, gotType = string(b), r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"abc","status":"pending"}` + "\n"))
	}))
	defer srv.Close()

	path := writeFile(t, t.TempDir(), "pipeline.yaml", validPipeline)
	var out bytes.Buffer
	require.NoError(t, runSubmit(context.Background(), srv.URL+"/", path, &out))
	assert.Equal(t, validPipeline, gotBody)
	assert.Equal(t, "application/x-yaml", gotType)
	assert.Equal(t, `{"id":"abc","status":"pending"}`+"\n", out.String())

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid pipeline", http.StatusBadRequest)
	}))
	defer rejecting.Close()
	err := runSubmit(context.Background(), rejecting.URL, path, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pipeline")
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	l := newLogger(&config.LoggingConfig{Level: "warn", Format: "json"}, false)
	_, isJSON := l.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
	assert.False(t, l.Enabled(ctx, slog.LevelInfo))
	assert.True(t, l.Enabled(ctx, slog.LevelWarn))

	l = newLogger(&config.LoggingConfig{Level: "error", Format: "text"}, true)
	_, isText := l.Handler().(*slog.TextHandler)
	assert.True(t, isText)
	assert.True(t, l.Enabled(ctx, slog.LevelDebug))

	assert.True(t, newLogger(nil, false).Enabled(ctx, slog.LevelInfo))
}

func TestExampleFilesLoad(t *testing.T) {
	require.NoError(t, runValidate(filepath.Join("..", "..", "examples", "pipeline.yaml"), io.Discard))

	cfg, err := config.Load(filepath.Join("..", "..", "examples", "stageci.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "venv", cfg.Environment.Path)
	assert.False(t, cfg.Docs.AssetFetch.Enabled())
}
