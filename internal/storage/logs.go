// Package storage persists what runs leave behind: per-step output logs on
// disk and the run history in SQLite.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"stageci/internal/core"
	"stageci/pkg/utils"
)

// LogStorage manages saving step logs to files.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveStepLog writes the captured output of a step to
// <BaseDir>/<runID>/<stage>/<step>.log and returns the file path. A step name
// repeated within a stage gets a numeric suffix.
func (ls *LogStorage) SaveStepLog(runID, stage, step string, res core.ExecutionResult) (string, error) {
	dir := filepath.Join(ls.BaseDir, utils.SafeName(runID), utils.SafeName(stage))
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", err
	}

	base := utils.SafeName(step)
	for n := 1; ; n++ {
		name := base + ".log"
		if n > 1 {
			name = base + "-" + strconv.Itoa(n) + ".log"
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.WriteString(formatStepLog(step, res)); err != nil {
			_ = f.Close()
			return "", err
		}
		return path, f.Close()
	}
}

// ReadStepLog returns the first stored log of a step.
func (ls *LogStorage) ReadStepLog(runID, stage, step string) (string, error) {
	path := filepath.Join(ls.BaseDir, utils.SafeName(runID), utils.SafeName(stage), utils.SafeName(step)+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatStepLog(step string, res core.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# step: %s\n", step)
	fmt.Fprintf(&b, "# exit_code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "# timed_out: %t\n", res.TimedOut)
	fmt.Fprintf(&b, "# duration: %s\n", res.Duration)
	b.WriteString("--- stdout ---\n")
	b.WriteString(res.Stdout)
	if res.Stdout != "" && !strings.HasSuffix(res.Stdout, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("--- stderr ---\n")
	b.WriteString(res.Stderr)
	return b.String()
}
