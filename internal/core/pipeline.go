package core

import "time"

// Pipeline is the declared, ordered list of stages run against one workspace.
// Stages run strictly one after another (stage1 --> stage2 --> stage3).
type Pipeline struct {
	Name        string          `yaml:"name"`
	Workspace   string          `yaml:"workspace"`   // project checkout; relative to the process cwd
	Environment EnvironmentSpec `yaml:"environment"` // overrides the configured environment path
	Stages      []Stage         `yaml:"stages"`
	Post        PostSpec        `yaml:"post"` // runs once after every stage, whatever the outcome
}

// EnvironmentSpec overrides where the isolated environment lives.
type EnvironmentSpec struct {
	Path string `yaml:"path"`
}

// Stage groups steps and the post-actions that always follow them.
type Stage struct {
	Name  string            `yaml:"name"`
	Env   map[string]string `yaml:"env"` // extra variables for every step in the stage
	Steps []Step            `yaml:"steps"`
	Post  PostSpec          `yaml:"post"`
}

// Policy decides what a failing step does to its stage.
type Policy string

const (
	PolicyFatal     Policy = "fatal"     // failure aborts the stage
	PolicyTolerated Policy = "tolerated" // failure is logged and demotes the stage to unstable
)

// Step is one command invocation, either a shell line (Run) or a built-in (Uses).
type Step struct {
	Name    string            `yaml:"name"`
	Run     string            `yaml:"run"`
	Uses    string            `yaml:"uses"`
	Timeout time.Duration     `yaml:"timeout"`
	Dir     string            `yaml:"dir"` // relative to the workspace
	Policy  Policy            `yaml:"policy"`
	Host    bool              `yaml:"host"` // run outside the isolated environment
	Env     map[string]string `yaml:"env"`
}

// PostStageName names the pipeline-level post-actions in results, logs and archives.
const PostStageName = "post"

// Built-in step names.
const (
	UsesEnvironmentCreate    = "environment.create"
	UsesEnvironmentBootstrap = "environment.bootstrap"
	UsesAssetsFetch          = "assets.fetch"
)

// SnapshotMode selects whether a dependency snapshot starts or extends the manifest.
type SnapshotMode string

const (
	SnapshotNone   SnapshotMode = ""
	SnapshotInit   SnapshotMode = "init"
	SnapshotAppend SnapshotMode = "append"
)

// PostSpec declares the post-actions of a stage (or of the whole pipeline).
type PostSpec struct {
	Snapshot  SnapshotMode   `yaml:"snapshot"`
	Artifacts []ArtifactSpec `yaml:"artifacts"`
}

// Empty reports whether there is nothing to do.
func (p PostSpec) Empty() bool {
	return p.Snapshot == SnapshotNone && len(p.Artifacts) == 0
}

// UsesEnvironment reports whether any stage provisions an isolated environment.
func (p *Pipeline) UsesEnvironment() bool {
	for _, st := range p.Stages {
		for _, step := range st.Steps {
			if step.Uses == UsesEnvironmentCreate {
				return true
			}
		}
	}
	return false
}
