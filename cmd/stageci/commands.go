package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stageci/internal/config"
	"stageci/internal/core"
	"stageci/internal/ledger"
	"stageci/internal/manifest"
	"stageci/internal/metrics"
	"stageci/internal/orchestrator"
	"stageci/internal/security"
	"stageci/internal/server"
)

// runPipeline executes the pipeline at path and maps its outcome to an exit code.
func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, path, runID string, asJSON bool, out io.Writer) int {
	p, err := core.LoadPipeline(path)
	if err != nil {
		logger.Error("Invalid pipeline", "error", err)
		return core.ExitError
	}
	orch, err := orchestrator.New(cfg, logger, nil)
	if err != nil {
		logger.Error("Failed to prepare run", "error", err)
		return core.ExitError
	}
	defer orch.Close()

	res := orch.Run(ctx, p, runID)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			logger.Error("Failed to encode result", "error", err)
		}
	} else {
		printResult(out, res)
	}
	return res.Outcome.ExitCode()
}

func printResult(w io.Writer, res *core.Result) {
	fmt.Fprintf(w, "Run %s (%s): %s\n", res.RunID, res.Pipeline, res.Outcome)
	for _, st := range res.Stages {
		fmt.Fprintf(w, "  %-20s %-10s %s\n", st.Name, st.Outcome, stageDuration(st))
		for _, step := range st.Steps {
			note := ""
			switch {
			case step.TimedOut:
				note = " (timed out)"
			case step.Tolerated:
				note = " (tolerated)"
			}
			fmt.Fprintf(w, "    - %-18s %-10s exit=%d%s\n", step.Name, step.Outcome, step.ExitCode, note)
		}
		for _, problem := range st.Problems {
			fmt.Fprintf(w, "    ! %s\n", problem)
		}
	}
	for _, problem := range res.Post.Problems {
		fmt.Fprintf(w, "  post: %s\n", problem)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Aborted: %s\n", res.Error)
	}
}

func stageDuration(st core.StageResult) string {
	if st.Started.IsZero() || st.Finished.IsZero() {
		return "-"
	}
	return st.Finished.Sub(st.Started).Round(time.Millisecond).String()
}

func runValidate(path string, out io.Writer) error {
	p, err := core.LoadPipeline(path)
	if err != nil {
		return err
	}
	steps := 0
	for _, st := range p.Stages {
		steps += len(st.Steps)
	}
	fmt.Fprintf(out, "Pipeline %q is valid: %d stages, %d steps\n", p.Name, len(p.Stages), steps)
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	orch, err := orchestrator.New(cfg, logger, metrics.NewPrometheusRecorder(reg))
	if err != nil {
		return err
	}
	defer orch.Close()

	srv := server.New(cfg.Server.Port, orch, metrics.HTTPHandler(reg), logger)
	return srv.Start(ctx)
}

// runSubmit posts a pipeline definition to a server and prints its reply.
func runSubmit(ctx context.Context, baseURL, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipeline: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + "/pipelines"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-yaml")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

func runLedgerInspect(cfg *config.Config, runID string, out io.Writer) error {
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	entries := l.Entries()
	if runID != "" {
		entries = l.ForRun(runID)
	}
	for _, e := range entries {
		fmt.Fprintf(out, "Index=%d Run=%s Stage=%s Kind=%s Subject=%s Hash=%s\n",
			e.Index, e.RunID, e.Stage, e.Kind, e.Subject, shortHash(e.Hash))
	}
	return nil
}

func runLedgerVerify(cfg *config.Config, files bool, out io.Writer) error {
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	if err := l.VerifyChain(); err != nil {
		return err
	}
	if files {
		if err := l.VerifyFiles(); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Ledger verification OK (%d entries)\n", len(l.Entries()))
	return nil
}

func runManifestShow(path string, out io.Writer) error {
	snaps, err := manifest.ReadFile(path)
	if err != nil {
		return err
	}
	for i, s := range snaps {
		fmt.Fprintf(out, "#%d %s\n", i+1, s.ToolVersion)
		for _, pkg := range s.Packages {
			if pkg.Name != "" {
				fmt.Fprintf(out, "    %s %s\n", pkg.Name, pkg.Version)
			} else {
				fmt.Fprintf(out, "    %s\n", pkg.Raw)
			}
		}
	}
	return nil
}

// runKeygen writes a ledger key pair. Existing keys are kept unless force is set.
func runKeygen(cfg *config.Config, force bool, out io.Writer) error {
	dir := cfg.Ledger.KeysDir
	pubPath := filepath.Join(dir, security.PublicKeyFile)
	privPath := filepath.Join(dir, security.PrivateKeyFile)

	if !force {
		if _, err := os.Stat(privPath); err == nil {
			return fmt.Errorf("%s already exists, use --force to replace it", privPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Keys generated: %s, %s\n", pubPath, privPath)
	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
