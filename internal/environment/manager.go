// Package environment provisions the isolated Python virtual environment all
// pipeline commands run in.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"stageci/internal/core"
	cierr "stageci/internal/errors"
	"stageci/internal/logfields"
)

// Options configure the manager.
type Options struct {
	Python            string        // host interpreter used to create environments
	CleanBeforeCreate bool          // uninstall host packages before creating (legacy variant)
	Timeout           time.Duration // bound for each provisioning command
}

// Manager creates, activates, bootstraps and removes virtual environments.
type Manager struct {
	runner core.CommandRunner
	opts   Options
	logger *slog.Logger
}

// NewManager creates a manager that runs provisioning commands through runner.
func NewManager(runner core.CommandRunner, opts Options, logger *slog.Logger) *Manager {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runner: runner, opts: opts, logger: logger}
}

// Create (re)creates the environment at path. An existing environment is
// cleared so no stale packages survive from a previous run.
func (m *Manager) Create(ctx context.Context, path string) (*core.Environment, error) {
	if path == "" {
		return nil, cierr.EnvironmentCreationError(path, errors.New("empty environment path"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cierr.EnvironmentCreationError(path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, cierr.EnvironmentCreationError(abs, err)
	}

	if m.opts.CleanBeforeCreate {
		m.cleanHost(ctx)
	}

	line := fmt.Sprintf("%s -m venv --clear --without-pip %s", quote(m.opts.Python), quote(abs))
	res, err := m.runner.Run(ctx, core.Command{Line: line, Timeout: m.opts.Timeout})
	if err != nil {
		return nil, cierr.EnvironmentCreationError(abs, err)
	}
	if res.Failed() {
		return nil, cierr.EnvironmentCreationError(abs, commandError("venv", res))
	}
	if _, err := os.Stat(interpreter(abs)); err != nil {
		return nil, cierr.EnvironmentCreationError(abs, fmt.Errorf("interpreter missing after creation: %w", err))
	}

	m.logger.Info("Environment created", logfields.Path(abs))
	return &core.Environment{Path: abs, State: core.EnvCreated}, nil
}

// cleanHost uninstalls every package of the host interpreter. Failures are
// only logged: an empty host package set is a legitimate state. The frozen
// set goes through a requirements file so `name @ url` and `-e` lines stay whole.
func (m *Manager) cleanHost(ctx context.Context) {
	py := quote(m.opts.Python)
	res, err := m.runner.Run(ctx, core.Command{Line: py + " -m pip freeze", Timeout: m.opts.Timeout})
	if err != nil || res.Failed() {
		if err == nil {
			err = commandError("pip freeze", res)
		}
		m.logger.Warn("Host package cleanup failed", logfields.Error(err))
		return
	}
	if strings.TrimSpace(res.Stdout) == "" {
		m.logger.Debug("Host interpreter has no packages to clean")
		return
	}

	f, err := os.CreateTemp("", "stageci-host-freeze-*.txt")
	if err != nil {
		m.logger.Warn("Host package cleanup failed", logfields.Error(err))
		return
	}
	defer os.Remove(f.Name())
	_, err = f.WriteString(res.Stdout)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		m.logger.Warn("Host package cleanup failed", logfields.Error(err))
		return
	}

	line := fmt.Sprintf("%s -m pip uninstall -y -r %s", py, quote(f.Name()))
	res, err = m.runner.Run(ctx, core.Command{Line: line, Timeout: m.opts.Timeout})
	if err != nil || res.Failed() {
		if err == nil {
			err = commandError("pip uninstall", res)
		}
		m.logger.Warn("Host package cleanup failed", logfields.Error(err))
	}
}

// Activate computes the scoping context for env. It never touches the filesystem.
func (m *Manager) Activate(env *core.Environment) (*core.Activation, error) {
	if env == nil || env.State == core.EnvAbsent || env.State == "" {
		return nil, errors.New("cannot activate an absent environment")
	}
	env.State = core.EnvActivated
	return activation(env.Path), nil
}

// BootstrapPackageManager makes sure pip is available inside env. Running it
// again on a bootstrapped environment only upgrades pip.
func (m *Manager) BootstrapPackageManager(ctx context.Context, env *core.Environment) error {
	if env == nil || env.State != core.EnvActivated {
		return cierr.BootstrapError("", errors.New("environment is not activated"))
	}
	act := activation(env.Path)
	for _, line := range []string{
		"python -m ensurepip --upgrade",
		"python -m pip install -U pip",
	} {
		res, err := m.runner.Run(ctx, core.Command{Line: line, Timeout: m.opts.Timeout, Activation: act})
		if err != nil {
			return cierr.BootstrapError(env.Path, err)
		}
		if res.Failed() {
			return cierr.BootstrapError(env.Path, commandError(line, res))
		}
	}
	m.logger.Info("Package manager bootstrapped", logfields.Path(env.Path))
	return nil
}

// Teardown removes the environment directory.
func (m *Manager) Teardown(env *core.Environment) error {
	if env == nil || env.Path == "" {
		return nil
	}
	if err := os.RemoveAll(env.Path); err != nil {
		return fmt.Errorf("remove environment: %w", err)
	}
	env.State = core.EnvAbsent
	m.logger.Info("Environment removed", logfields.Path(env.Path))
	return nil
}

func activation(root string) *core.Activation {
	return &core.Activation{
		Root:        root,
		PathPrepend: []string{binDir(root)},
		Set:         map[string]string{"VIRTUAL_ENV": root},
		Unset:       []string{"PYTHONHOME"},
	}
}

func binDir(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "Scripts")
	}
	return filepath.Join(root, "bin")
}

func interpreter(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "Scripts", "python.exe")
	}
	return filepath.Join(root, "bin", "python")
}

func commandError(what string, res core.ExecutionResult) error {
	if res.TimedOut {
		return fmt.Errorf("%s timed out after %s", what, res.Duration.Round(time.Millisecond))
	}
	return fmt.Errorf("%s exited with %d: %s", what, res.ExitCode, tail(res.Stderr, 400))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// quote wraps s in single quotes for the shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
