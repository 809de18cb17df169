package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageci/internal/core"
	cierr "stageci/internal/errors"
)

type recordedFile struct {
	stage, artifact, file string
}

type memRecorder struct {
	files []recordedFile
}

func (m *memRecorder) RecordArtifact(_, stage string, a core.Artifact, file string) error {
	m.files = append(m.files, recordedFile{stage, a.Name, file})
	return nil
}

const coverageXML = `<?xml version="1.0" ?>
<coverage version="7.4.4" line-rate="0.8123" branch-rate="0.5" lines-valid="100" lines-covered="81">
  <packages/>
</coverage>`

const junitXML = `<?xml version="1.0" encoding="utf-8"?>
<testsuites><testsuite name="pytest" errors="1" failures="2" skipped="3" tests="40"></testsuite></testsuites>`

const pylintLog = `************* Module mathematics.algebra.tensor
mathematics/algebra/tensor.py:12: [C0114, ] Missing module docstring (missing-module-docstring)
mathematics/algebra/tensor.py:40: [W0611, Tensor.rank] Unused import numpy (unused-import)
mathematics/calculus/calculus.py:7: [E1101, derivative] Module 'math' has no 'foo' member (no-member)
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCollect_ClassifiesAndReportsMissing(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "cov.xml"), coverageXML)
	writeFile(t, filepath.Join(ws, "junit.xml"), junitXML)

	g := NewAggregator(t.TempDir(), nil, nil)
	arts, errs := g.Collect(ws, "Test", []core.ArtifactSpec{
		{Name: "coverage", Kind: core.KindCoverage, Path: "cov.xml"},
		{Name: "junit", Kind: core.KindTestResults, Path: "*.xml"},
		{Name: "lint", Kind: core.KindLintFindings, Path: "pylint.log", Required: true},
	})

	require.Len(t, arts, 2)
	assert.Equal(t, core.KindCoverage, arts[0].Kind)
	assert.Equal(t, core.ArchiveAlways, arts[0].Policy)
	assert.Equal(t, "line 81.2%, branch 50.0%", arts[0].Summary)
	assert.Len(t, arts[1].Paths, 2)

	require.Len(t, errs, 1)
	assert.True(t, cierr.IsKind(errs[0], cierr.KindArtifactMissing))
	assert.Contains(t, errs[0].Error(), "pylint.log")
}

func TestArchive_AlwaysAndOnSuccess(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "pylint.log"), pylintLog)
	writeFile(t, filepath.Join(ws, "docs", "_build", "html", "index.html"), "<html/>")
	writeFile(t, filepath.Join(ws, "docs", "_build", "html", "_static", "app.js"), "//")

	archive := t.TempDir()
	rec := &memRecorder{}
	g := NewAggregator(archive, rec, nil)

	arts, errs := g.Collect(ws, "Docs", []core.ArtifactSpec{
		{Name: "lint", Kind: core.KindLintFindings, Path: "pylint.log"},
		{Name: "html", Kind: core.KindDocumentation, Path: "docs/_build/html", Policy: core.ArchiveOnSuccess},
	})
	require.Empty(t, errs)
	assert.Equal(t, "3 findings (1 error, 1 warning, 1 convention, 0 refactor)", arts[0].Summary)
	assert.Equal(t, "2 files", arts[1].Summary)

	out, err := g.Archive(context.Background(), "run-1", "Docs", core.OutcomeUnstable, arts)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Len(t, out[0].Archived, 1)
	assert.Empty(t, out[1].Archived, "on-success artifact must not be archived for an unstable stage")

	data, err := os.ReadFile(filepath.Join(archive, "run-1", "Docs", "lint", "pylint.log"))
	require.NoError(t, err)
	assert.Equal(t, pylintLog, string(data))
	require.Len(t, rec.files, 1)

	out, err = g.Archive(context.Background(), "run-2", "Docs", core.OutcomeSucceeded, arts)
	require.NoError(t, err)
	assert.Len(t, out[1].Archived, 2)
	assert.FileExists(t, filepath.Join(archive, "run-2", "Docs", "html", "html", "_static", "app.js"))
	assert.Len(t, rec.files, 4)
}

func TestArchive_StopsOnCanceledContext(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "cov.xml"), coverageXML)
	g := NewAggregator(t.TempDir(), nil, nil)
	arts, _ := g.Collect(ws, "Test", []core.ArtifactSpec{{Name: "coverage", Kind: core.KindCoverage, Path: "cov.xml"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := g.Archive(ctx, "run", "Test", core.OutcomeFailed, arts)
	assert.Error(t, err)
	assert.Empty(t, out[0].Archived)
}

func TestArchive_KeepsPathsBelowGlobBase(t *testing.T) {
	ws := t.TempDir()
	unit := `<testsuite name="unit" tests="3"></testsuite>`
	integration := `<testsuite name="integration" tests="7"></testsuite>`
	writeFile(t, filepath.Join(ws, "reports", "unit", "junit.xml"), unit)
	writeFile(t, filepath.Join(ws, "reports", "integration", "junit.xml"), integration)

	archive := t.TempDir()
	rec := &memRecorder{}
	g := NewAggregator(archive, rec, nil)
	arts, errs := g.Collect(ws, "Test", []core.ArtifactSpec{
		{Name: "junit", Kind: core.KindTestResults, Path: "reports/*/junit.xml"},
	})
	require.Empty(t, errs)
	require.Len(t, arts, 1)

	out, err := g.Archive(context.Background(), "run-1", "Test", core.OutcomeSucceeded, arts)
	require.NoError(t, err)
	require.Len(t, out[0].Archived, 2)
	require.Len(t, rec.files, 2)

	dest := filepath.Join(archive, "run-1", "Test", "junit")
	for dir, want := range map[string]string{"unit": unit, "integration": integration} {
		data, err := os.ReadFile(filepath.Join(dest, dir, "junit.xml"))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestArchive_RejectsCollidingTargets(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "a", "out.log"), "a")
	writeFile(t, filepath.Join(ws, "b", "out.log"), "b")

	g := NewAggregator(t.TempDir(), nil, nil)
	arts := []core.Artifact{{
		Name:   "logs",
		Kind:   core.KindTestResults,
		Paths:  []string{filepath.Join(ws, "a", "out.log"), filepath.Join(ws, "b", "out.log")},
		Policy: core.ArchiveAlways,
	}}
	out, err := g.Archive(context.Background(), "run", "Test", core.OutcomeSucceeded, arts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map to the same file")
	assert.Len(t, out[0].Archived, 1)
}

func TestGlobBaseAndArchiveName(t *testing.T) {
	tests := []struct {
		pattern, src, base, name string
	}{
		{"/ws/reports/*/junit.xml", "/ws/reports/unit/junit.xml", "/ws/reports", "unit/junit.xml"},
		{"/ws/*.xml", "/ws/cov.xml", "/ws", "cov.xml"},
		{"/ws/docs/_build/html", "/ws/docs/_build/html", "/ws/docs/_build", "html"},
		{"/ws/out/[ab].log", "/ws/out/a.log", "/ws/out", "a.log"},
	}
	for _, tt := range tests {
		base := globBase(filepath.FromSlash(tt.pattern))
		assert.Equal(t, filepath.FromSlash(tt.base), base, tt.pattern)
		assert.Equal(t, filepath.FromSlash(tt.name), archiveName(base, filepath.FromSlash(tt.src)), tt.pattern)
	}
	assert.Equal(t, "x.log", archiveName("/ws/reports", "/elsewhere/x.log"))
}
