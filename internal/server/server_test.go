//go:build unix

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageci/internal/config"
	"stageci/internal/core"
	"stageci/internal/metrics"
	"stageci/internal/orchestrator"
)

const pipelineYAML = `
name: api
stages:
  - name: Build
    steps:
      - name: compile
        run: echo compiled > out.txt
    post:
      artifacts:
        - name: out
          kind: documentation
          path: out.txt
`

func newTestServer(t *testing.T, history bool) (*Server, *httptest.Server) {
	t.Helper()
	state := t.TempDir()
	cfg := &config.Config{
		Workspace: t.TempDir(),
		Shell:     "sh -c",
		Runner:    config.RunnerConfig{KillGrace: time.Second},
		Artifacts: config.DirConfig{Dir: filepath.Join(state, "artifacts")},
		Logs:      config.DirConfig{Dir: filepath.Join(state, "logs")},
		Ledger: config.LedgerConfig{
			Path:    filepath.Join(state, "ledger.jsonl"),
			KeysDir: filepath.Join(state, "keys"),
			AgentID: "api",
		},
	}
	if history {
		cfg.Storage.SQLitePath = filepath.Join(state, "runs.db")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := prom.NewRegistry()
	orch, err := orchestrator.New(cfg, logger, metrics.NewPrometheusRecorder(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	s := New(0, orch, metrics.HTTPHandler(reg), logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Work(ctx)

	ts := httptest.NewServer(s.Router)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func submit(t *testing.T, ts *httptest.Server, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/pipelines", "application/yaml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServer_SubmitRunAndInspect(t *testing.T) {
	_, ts := newTestServer(t, true)

	status, body := submit(t, ts, pipelineYAML)
	require.Equal(t, http.StatusAccepted, status)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		var rec struct {
			Outcome core.Outcome `json:"outcome"`
		}
		return getJSON(t, ts.URL+"/runs/"+id, &rec) == http.StatusOK && rec.Outcome == core.OutcomeSucceeded
	}, 10*time.Second, 50*time.Millisecond)

	var list []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/runs", &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["id"])

	resp, err := http.Get(ts.URL + "/runs/" + id + "/logs/Build/compile")
	require.NoError(t, err)
	logBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(logBody), "# exit_code: 0")

	var verify map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/ledger/verify", &verify))
	assert.Equal(t, true, verify["ok"])
	assert.Equal(t, float64(2), verify["entries"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metricsBody), `stageci_pipeline_outcomes_total{outcome="succeeded"} 1`)
}

func TestServer_RejectsInvalidPipeline(t *testing.T) {
	_, ts := newTestServer(t, true)

	status, body := submit(t, ts, "stages: []\n")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "invalid pipeline")

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/runs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/runs/unknown/logs/Build/compile", nil))
}

func TestServer_InMemoryStatusWithoutHistory(t *testing.T) {
	_, ts := newTestServer(t, false)

	_, body := submit(t, ts, pipelineYAML)
	id := body["id"].(string)

	assert.Eventually(t, func() bool {
		var st runStatus
		return getJSON(t, ts.URL+"/runs/"+id, &st) == http.StatusOK && st.Status == core.OutcomeSucceeded
	}, 10*time.Second, 50*time.Millisecond)

	var list []runStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/runs", &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, false)
	var out map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &out))
	assert.Equal(t, "ok", out["status"])
}
