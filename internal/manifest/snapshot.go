// Package manifest keeps the cumulative dependency manifest: a package-manager
// version line followed by the frozen package list, appended after each stage.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stageci/internal/core"
	"stageci/internal/logfields"
)

// Options configure the commands used to take a snapshot.
type Options struct {
	VersionCommand string
	FreezeCommand  string
	Timeout        time.Duration
}

// Snapshotter writes dependency snapshots. A manifest it has initialised is
// never truncated again during its lifetime.
type Snapshotter struct {
	runner core.CommandRunner
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	initialized map[string]bool
}

// NewSnapshotter creates a snapshotter running commands through runner.
func NewSnapshotter(runner core.CommandRunner, opts Options, logger *slog.Logger) *Snapshotter {
	if opts.VersionCommand == "" {
		opts.VersionCommand = "python -m pip -V"
	}
	if opts.FreezeCommand == "" {
		opts.FreezeCommand = "python -m pip freeze"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{runner: runner, opts: opts, logger: logger, initialized: make(map[string]bool)}
}

// Snapshot records the tool version and installed packages into path. Init
// creates or overwrites the file, append adds to its end. Nothing is written
// unless both commands succeed.
func (s *Snapshotter) Snapshot(ctx context.Context, act *core.Activation, path string, mode core.SnapshotMode) error {
	if mode != core.SnapshotInit && mode != core.SnapshotAppend {
		return fmt.Errorf("unknown snapshot mode %q", mode)
	}
	version, err := s.capture(ctx, act, s.opts.VersionCommand)
	if err != nil {
		return err
	}
	packages, err := s.capture(ctx, act, s.opts.FreezeCommand)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(version))
	b.WriteByte('\n')
	if p := strings.TrimRight(packages, "\n"); p != "" {
		b.WriteString(p)
		b.WriteByte('\n')
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == core.SnapshotInit && s.initialized[abs] {
		s.logger.Warn("Manifest already initialised, appending instead", logfields.Path(abs))
		mode = core.SnapshotAppend
	}

	flags := os.O_CREATE | os.O_WRONLY
	if mode == core.SnapshotInit {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if mode == core.SnapshotInit {
		s.initialized[abs] = true
	}
	return nil
}

func (s *Snapshotter) capture(ctx context.Context, act *core.Activation, line string) (string, error) {
	res, err := s.runner.Run(ctx, core.Command{Line: line, Timeout: s.opts.Timeout, Activation: act})
	if err != nil {
		return "", fmt.Errorf("%s: %w", line, err)
	}
	if res.TimedOut {
		return "", fmt.Errorf("%s: timed out", line)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s: exit status %d: %s", line, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
