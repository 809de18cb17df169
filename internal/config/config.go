// Package config loads stageci settings: defaults, then an optional YAML
// file, then STAGECI_ environment variables (with .env files loaded first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	cierr "stageci/internal/errors"
)

// EnvPrefix is the prefix of environment overrides. Levels are separated by a
// double underscore: STAGECI_ENVIRONMENT__CLEAN_BEFORE_CREATE=true.
const EnvPrefix = "STAGECI_"

// DefaultFile is read when present and no file is named explicitly.
const DefaultFile = "stageci.yaml"

type Config struct {
	Workspace   string            `koanf:"workspace"`
	Shell       string            `koanf:"shell"`
	Environment EnvironmentConfig `koanf:"environment"`
	Manifest    ManifestConfig    `koanf:"manifest"`
	Docs        DocsConfig        `koanf:"docs"`
	Runner      RunnerConfig      `koanf:"runner"`
	Artifacts   DirConfig         `koanf:"artifacts"`
	Logs        DirConfig         `koanf:"logs"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Storage     StorageConfig     `koanf:"storage"`
	Server      ServerConfig      `koanf:"server"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Logging     LoggingConfig     `koanf:"logging"`
}

type EnvironmentConfig struct {
	Path              string `koanf:"path"`
	Python            string `koanf:"python"`
	CleanBeforeCreate bool   `koanf:"clean_before_create"` // uninstall host user packages before creating
	Keep              bool   `koanf:"keep"`                // leave the environment after the run
}

type ManifestConfig struct {
	Filename       string `koanf:"filename"`
	VersionCommand string `koanf:"version_command"`
	FreezeCommand  string `koanf:"freeze_command"`
}

type DocsConfig struct {
	AssetFetch AssetFetchConfig `koanf:"asset_fetch"`
}

// AssetFetchConfig is the optional download used by the assets.fetch step.
type AssetFetchConfig struct {
	URL       string `koanf:"url"`
	TargetDir string `koanf:"target_dir"`
}

// Enabled reports whether a fetch URL is configured.
func (a AssetFetchConfig) Enabled() bool { return a.URL != "" }

type RunnerConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"` // zero means unbounded
	KillGrace      time.Duration `koanf:"kill_grace"`
}

type DirConfig struct {
	Dir string `koanf:"dir"`
}

type LedgerConfig struct {
	Path    string `koanf:"path"`
	KeysDir string `koanf:"keys_dir"`
	AgentID string `koanf:"agent_id"`
}

type StorageConfig struct {
	SQLitePath string `koanf:"sqlite_path"` // empty disables run history
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

var defaults = map[string]any{
	"workspace":                       ".",
	"shell":                           "bash -c",
	"environment.path":                "venv",
	"environment.python":              "python3",
	"environment.clean_before_create": false,
	"environment.keep":                false,
	"manifest.filename":               "requirements.txt",
	"manifest.version_command":        "python -m pip -V",
	"manifest.freeze_command":         "python -m pip freeze",
	"docs.asset_fetch.target_dir":     "docs/_static",
	"runner.default_timeout":          "0s",
	"runner.kill_grace":               "5s",
	"artifacts.dir":                   ".stageci/artifacts",
	"logs.dir":                        ".stageci/logs",
	"ledger.path":                     ".stageci/ledger.jsonl",
	"ledger.keys_dir":                 ".stageci/keys",
	"ledger.agent_id":                 "local",
	"storage.sqlite_path":             ".stageci/runs.db",
	"server.port":                     8080,
	"telemetry.tracing":               false,
	"telemetry.service_name":          "stageci",
	"logging.level":                   "info",
	"logging.format":                  "text",
}

// Load reads the configuration. path names a YAML file; an empty path falls
// back to DefaultFile when it exists. A named file that does not exist is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, cierr.ConfigError("config.dotenv", err)
	}

	k := koanf.New(".")

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, cierr.ConfigError("config.file", fmt.Errorf("%s: %w", path, err))
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, cierr.ConfigError("config.env", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			_ = k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, cierr.ConfigError("config.unmarshal", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cierr.ConfigError("config.validate", err)
	}
	return &cfg, nil
}

// Validate checks option values that cannot be expressed by types.
func (c *Config) Validate() error {
	var errs []error
	if len(c.ShellArgs()) == 0 {
		errs = append(errs, errors.New("shell must not be empty"))
	}
	if c.Runner.DefaultTimeout < 0 {
		errs = append(errs, errors.New("runner.default_timeout must not be negative"))
	}
	if c.Runner.KillGrace <= 0 {
		errs = append(errs, fmt.Errorf("runner.kill_grace must be positive, got %s", c.Runner.KillGrace))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	if c.Docs.AssetFetch.Enabled() && c.Docs.AssetFetch.TargetDir == "" {
		errs = append(errs, errors.New("docs.asset_fetch.target_dir is required with a url"))
	}
	return errors.Join(errs...)
}

// ShellArgs splits the configured shell into the interpreter and its flags.
func (c *Config) ShellArgs() []string {
	return strings.Fields(c.Shell)
}
