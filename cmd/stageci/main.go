package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"stageci/internal/config"
	"stageci/internal/core"
	"stageci/internal/telemetry"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path (defaults to stageci.yaml when present)"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Run struct {
		Pipeline string `arg:"" help:"Pipeline definition file" type:"path"`
		RunID    string `help:"Run identifier (generated when empty)"`
		JSON     bool   `help:"Print the run result as JSON"`
	} `cmd:"" help:"Run a pipeline to completion"`

	Validate struct {
		Pipeline string `arg:"" help:"Pipeline definition file" type:"path"`
	} `cmd:"" help:"Check a pipeline definition without running it"`

	Serve struct {
		Port int `short:"p" help:"Listen port (overrides server.port)"`
	} `cmd:"" help:"Serve the HTTP API and execute submitted pipelines"`

	Submit struct {
		Pipeline string `arg:"" help:"Pipeline definition file" type:"path"`
		Server   string `short:"s" help:"Server base URL" default:"http://localhost:8080"`
	} `cmd:"" help:"Submit a pipeline to a running server"`

	Ledger struct {
		Inspect struct {
			RunID string `help:"Only show entries of this run"`
		} `cmd:"" help:"List archive ledger entries"`
		Verify struct {
			Files bool `help:"Also re-hash the recorded files"`
		} `cmd:"" help:"Verify the archive ledger chain and signatures"`
	} `cmd:"" help:"Inspect the signed archive ledger"`

	Manifest struct {
		Show struct {
			File string `arg:"" help:"Dependency manifest file" type:"path"`
		} `cmd:"" help:"Print the snapshots recorded in a dependency manifest"`
	} `cmd:"" help:"Read dependency manifests"`

	Keygen struct {
		Force bool `help:"Replace an existing key pair"`
	} `cmd:"" help:"Generate the ledger signing key pair"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("stageci"),
		kong.Description("Sequential build-pipeline orchestrator."),
	)
	os.Exit(execute(kctx.Command()))
}

// execute runs the selected command and returns the process exit code.
func execute(command string) int {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		newLogger(nil, CLI.Verbose).Error("Failed to load configuration", "error", err)
		return core.ExitError
	}
	logger := newLogger(&cfg.Logging, CLI.Verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
			return core.ExitError
		}
		defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	}

	switch command {
	case "run <pipeline>":
		return runPipeline(ctx, cfg, logger, CLI.Run.Pipeline, CLI.Run.RunID, CLI.Run.JSON, os.Stdout)
	case "validate <pipeline>":
		if err := runValidate(CLI.Validate.Pipeline, os.Stdout); err != nil {
			logger.Error("Invalid pipeline", "error", err)
			return core.ExitError
		}
	case "serve":
		if CLI.Serve.Port != 0 {
			cfg.Server.Port = CLI.Serve.Port
		}
		if err := runServe(ctx, cfg, logger); err != nil {
			logger.Error("Server failed", "error", err)
			return core.ExitError
		}
	case "submit <pipeline>":
		if err := runSubmit(ctx, CLI.Submit.Server, CLI.Submit.Pipeline, os.Stdout); err != nil {
			logger.Error("Submit failed", "error", err)
			return 1
		}
	case "ledger inspect":
		if err := runLedgerInspect(cfg, CLI.Ledger.Inspect.RunID, os.Stdout); err != nil {
			logger.Error("Ledger inspect failed", "error", err)
			return 1
		}
	case "ledger verify":
		if err := runLedgerVerify(cfg, CLI.Ledger.Verify.Files, os.Stdout); err != nil {
			logger.Error("Ledger verification failed", "error", err)
			return 1
		}
	case "manifest show <file>":
		if err := runManifestShow(CLI.Manifest.Show.File, os.Stdout); err != nil {
			logger.Error("Manifest show failed", "error", err)
			return 1
		}
	case "keygen":
		if err := runKeygen(cfg, CLI.Keygen.Force, os.Stdout); err != nil {
			logger.Error("Key generation failed", "error", err)
			return 1
		}
	default:
		logger.Error("Unknown command", "command", command)
		return core.ExitError
	}
	return 0
}

// newLogger builds the process logger from the logging settings; verbose
// forces debug level.
func newLogger(lc *config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	format := "text"
	if lc != nil {
		format = strings.ToLower(lc.Format)
		switch strings.ToLower(lc.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
