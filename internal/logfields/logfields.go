package logfields

import "log/slog"

// Canonical log field names shared by every package.
const (
	KeyRunID      = "run_id"
	KeyPipeline   = "pipeline"
	KeyStage      = "stage"
	KeyStep       = "step"
	KeyOutcome    = "outcome"
	KeyExitCode   = "exit_code"
	KeyTimedOut   = "timed_out"
	KeyDurationMS = "duration_ms"
	KeyArtifact   = "artifact"
	KeyKind       = "kind"
	KeyPath       = "path"
	KeyMode       = "mode"
	KeyError      = "error"
)

func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Pipeline(name string) slog.Attr  { return slog.String(KeyPipeline, name) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }
func TimedOut(b bool) slog.Attr       { return slog.Bool(KeyTimedOut, b) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Artifact(name string) slog.Attr  { return slog.String(KeyArtifact, name) }
func Kind(k string) slog.Attr         { return slog.String(KeyKind, k) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Mode(m string) slog.Attr         { return slog.String(KeyMode, m) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
