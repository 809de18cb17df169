package core

// ArtifactKind classifies a report produced by a stage.
type ArtifactKind string

const (
	KindCoverage           ArtifactKind = "coverage"
	KindTestResults        ArtifactKind = "testResults"
	KindLintFindings       ArtifactKind = "lintFindings"
	KindDocumentation      ArtifactKind = "documentation"
	KindDependencyManifest ArtifactKind = "dependencyManifest"
)

// ArchivePolicy decides whether an artifact is archived when its stage did not succeed.
type ArchivePolicy string

const (
	ArchiveAlways    ArchivePolicy = "always"
	ArchiveOnSuccess ArchivePolicy = "on-success"
)

// ArtifactSpec declares an output a stage is expected to leave in the workspace.
type ArtifactSpec struct {
	Name     string        `yaml:"name"`
	Kind     ArtifactKind  `yaml:"kind"`
	Path     string        `yaml:"path"` // glob relative to the workspace
	Required bool          `yaml:"required"`
	Policy   ArchivePolicy `yaml:"policy"`
}

// Artifact is a collected report with its resolved locations.
type Artifact struct {
	Name     string        `json:"name"`
	Kind     ArtifactKind  `json:"kind"`
	Stage    string        `json:"stage"`
	Paths    []string      `json:"paths"`
	Base     string        `json:"-"` // directory Paths are archived relative to
	Required bool          `json:"required"`
	Policy   ArchivePolicy `json:"policy"`
	Archived []string      `json:"archived,omitempty"`
	Summary  string        `json:"summary,omitempty"`
}

// ArchivedOn reports whether the artifact should be archived for a stage outcome.
func (a Artifact) ArchivedOn(o Outcome) bool {
	return a.Policy != ArchiveOnSuccess || o == OutcomeSucceeded
}
