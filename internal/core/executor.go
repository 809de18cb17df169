package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	cierr "stageci/internal/errors"
)

// Synthetic exit codes for commands that did not exit on their own.
const (
	TimeoutExitCode  = 124 // same convention as timeout(1)
	CanceledExitCode = -1
)

// Command is a single external command run by the executor.
type Command struct {
	Line       string
	Timeout    time.Duration // zero means unbounded
	Dir        string
	Activation *Activation // nil runs against the host environment
	Env        map[string]string
}

// ExecutionResult is what happened to a command. Non-zero exits and timeouts
// are reported here, never as errors.
type ExecutionResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timedOut"`
	Duration time.Duration `json:"duration"`
}

// Failed reports a non-zero exit or a timeout.
func (r ExecutionResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// DefaultKillGrace bounds the wait for output pipes when none is configured.
const DefaultKillGrace = 5 * time.Second

// Executor runs one shell command per call in its own process group.
type Executor struct {
	Shell     []string      // interpreter and flags; the command line is appended
	KillGrace time.Duration // how long to wait for output pipes after a kill
}

// NewExecutor creates an executor running commands through bash.
func NewExecutor() *Executor {
	return &Executor{Shell: []string{"bash", "-c"}, KillGrace: DefaultKillGrace}
}

func (e *Executor) killGrace() time.Duration {
	if e.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return e.KillGrace
}

// Run executes c and waits for it, its timeout, or ctx cancellation. On timeout
// or cancellation the whole process group is killed. Leftover background
// processes of a finished command are killed as well.
func (e *Executor) Run(ctx context.Context, c Command) (ExecutionResult, error) {
	if len(e.Shell) == 0 {
		return ExecutionResult{ExitCode: -1}, cierr.SpawnError("run", errors.New("no shell configured"))
	}
	if c.Dir != "" {
		if fi, err := os.Stat(c.Dir); err != nil || !fi.IsDir() {
			return ExecutionResult{ExitCode: -1}, cierr.SpawnError("run", fmt.Errorf("invalid working directory %q", c.Dir))
		}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	args := append(append([]string{}, e.Shell[1:]...), c.Line)
	cmd := exec.CommandContext(runCtx, e.Shell[0], args...)
	cmd.Dir = c.Dir
	cmd.Env = commandEnv(c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)
	cmd.WaitDelay = e.killGrace()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecutionResult{ExitCode: -1}, cierr.SpawnError("run", err)
	}
	waitErr := cmd.Wait()
	_ = killProcessGroup(cmd)

	res := ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		res.ExitCode = CanceledExitCode
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == -1 {
			// killed by a signal from outside
			res.ExitCode = 128 + signalNumber(exitErr)
		}
	default:
		res.ExitCode = -1
		res.Stderr += fmt.Sprintf("\nstageci: wait: %v", waitErr)
	}
	return res, nil
}

func commandEnv(c Command) []string {
	env := c.Activation.Environ(os.Environ())
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}
