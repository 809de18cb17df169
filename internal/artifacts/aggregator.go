// Package artifacts collects the reports stages leave in the workspace and
// archives them per run, recording every archived file in the ledger.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stageci/internal/core"
	cierr "stageci/internal/errors"
	"stageci/internal/logfields"
	"stageci/pkg/utils"
)

// Recorder is told about every archived file.
type Recorder interface {
	RecordArtifact(runID, stage string, a core.Artifact, file string) error
}

// Aggregator implements collection and archival of stage artifacts.
type Aggregator struct {
	dir      string
	recorder Recorder
	logger   *slog.Logger
}

// NewAggregator archives under dir. recorder may be nil.
func NewAggregator(dir string, recorder Recorder, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{dir: dir, recorder: recorder, logger: logger}
}

// Collect resolves each declared output against workspace. Outputs that match
// nothing are reported as missing; they never stop collection of the others.
func (g *Aggregator) Collect(workspace, stage string, specs []core.ArtifactSpec) ([]core.Artifact, []error) {
	var (
		out  []core.Artifact
		errs []error
	)
	for _, spec := range specs {
		pattern := spec.Path
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(workspace, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			errs = append(errs, cierr.Wrap(cierr.KindArtifactMissing, "artifacts.collect", fmt.Errorf("artifact %s: %w", spec.Name, err)).InStage(stage, ""))
			continue
		}
		if len(matches) == 0 {
			errs = append(errs, cierr.ArtifactMissing(stage, spec.Name, spec.Path))
			continue
		}
		sort.Strings(matches)

		policy := spec.Policy
		if policy == "" {
			policy = core.ArchiveAlways
		}
		a := core.Artifact{
			Name:     spec.Name,
			Kind:     spec.Kind,
			Stage:    stage,
			Paths:    matches,
			Base:     globBase(pattern),
			Required: spec.Required,
			Policy:   policy,
		}
		if summary, err := Summarize(a); err != nil {
			g.logger.Warn("Cannot summarize artifact", logfields.Artifact(a.Name), logfields.Kind(string(a.Kind)), logfields.Error(err))
		} else {
			a.Summary = summary
		}
		g.logger.Info("Artifact collected", logfields.Stage(stage), logfields.Artifact(a.Name),
			logfields.Kind(string(a.Kind)), slog.Int("paths", len(matches)), slog.String("summary", a.Summary))
		out = append(out, a)
	}
	return out, errs
}

// Archive copies artifacts under <dir>/<runID>/<stage>/<name>/, keeping each
// matched path relative to the static prefix of its pattern. Artifacts with
// the on-success policy are skipped unless the stage succeeded.
func (g *Aggregator) Archive(ctx context.Context, runID, stage string, outcome core.Outcome, artifacts []core.Artifact) ([]core.Artifact, error) {
	var errs []error
	out := make([]core.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if !a.ArchivedOn(outcome) {
			g.logger.Info("Artifact not archived for unsuccessful stage", logfields.Stage(stage),
				logfields.Artifact(a.Name), logfields.Outcome(string(outcome)))
			out = append(out, a)
			continue
		}
		dest := filepath.Join(g.dir, utils.SafeName(runID), utils.SafeName(stage), utils.SafeName(a.Name))
		targets := make(map[string]string, len(a.Paths))
		for _, src := range a.Paths {
			if err := ctx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", a.Name, err))
				break
			}
			target := filepath.Join(dest, archiveName(a.Base, src))
			if prev, ok := targets[target]; ok {
				errs = append(errs, fmt.Errorf("archive %s: %s and %s map to the same file", a.Name, prev, src))
				continue
			}
			targets[target] = src
			files, err := copyTree(src, target)
			a.Archived = append(a.Archived, files...)
			if err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", a.Name, err))
			}
			for _, f := range files {
				if g.recorder == nil {
					continue
				}
				if err := g.recorder.RecordArtifact(runID, stage, a, f); err != nil {
					errs = append(errs, fmt.Errorf("record %s: %w", f, err))
				}
			}
		}
		g.logger.Info("Artifact archived", logfields.Stage(stage), logfields.Artifact(a.Name),
			logfields.Path(dest), slog.Int("files", len(a.Archived)))
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}

// globBase returns the directory part of pattern that contains no glob
// metacharacters. A pattern without any yields its parent directory.
func globBase(pattern string) string {
	if !hasMeta(pattern) {
		return filepath.Dir(pattern)
	}
	base := pattern
	for hasMeta(base) {
		base = filepath.Dir(base)
	}
	return base
}

func hasMeta(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// archiveName is src relative to base, or its base name when src lies outside.
func archiveName(base, src string) string {
	if base != "" {
		rel, err := filepath.Rel(base, src)
		if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return rel
		}
	}
	return filepath.Base(src)
}

// copyTree copies a file or a directory tree and returns the written files.
func copyTree(src, dst string) ([]string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return nil, err
		}
		return []string{dst}, nil
	}

	var files []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if err := copyFile(path, target, fi.Mode().Perm()); err != nil {
			return err
		}
		files = append(files, target)
		return nil
	})
	return files, err
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
