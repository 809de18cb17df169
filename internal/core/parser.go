package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	cierr "stageci/internal/errors"
	"stageci/pkg/utils"
)

// ParsePipeline parses YAML content into a validated Pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pipeline Pipeline
	if err := dec.Decode(&pipeline); err != nil {
		return nil, cierr.ConfigError("pipeline.parse", err)
	}
	if err := pipeline.Normalize(); err != nil {
		return nil, cierr.ConfigError("pipeline.validate", err)
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline definition file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cierr.ConfigError("pipeline.load", err)
	}
	return ParsePipeline(data)
}

var builtins = map[string]bool{
	UsesEnvironmentCreate:    true,
	UsesEnvironmentBootstrap: true,
	UsesAssetsFetch:          true,
}

// Normalize fills defaults and validates the definition.
func (p *Pipeline) Normalize() error {
	if p.Name == "" {
		p.Name = "pipeline"
	}
	if p.Workspace == "" {
		p.Workspace = "."
	}
	if len(p.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}

	// Stage names become directory names for logs and archives.
	seen := map[string]string{utils.SafeName(PostStageName): PostStageName}
	var errs []error
	for i := range p.Stages {
		st := &p.Stages[i]
		if st.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d: name is required", i+1))
			continue
		}
		key := utils.SafeName(st.Name)
		switch prev, dup := seen[key]; {
		case dup && prev == PostStageName:
			errs = append(errs, fmt.Errorf("stage %q: name is reserved for pipeline post-actions", st.Name))
		case dup && prev == st.Name:
			errs = append(errs, fmt.Errorf("stage %q: duplicate name", st.Name))
		case dup:
			errs = append(errs, fmt.Errorf("stage %q: collides with stage %q", st.Name, prev))
		default:
			seen[key] = st.Name
		}
		if len(st.Steps) == 0 {
			errs = append(errs, fmt.Errorf("stage %q: no steps", st.Name))
		}
		for j := range st.Steps {
			if err := st.Steps[j].normalize(j); err != nil {
				errs = append(errs, fmt.Errorf("stage %q: %w", st.Name, err))
			}
		}
		if err := st.Post.normalize(); err != nil {
			errs = append(errs, fmt.Errorf("stage %q: post: %w", st.Name, err))
		}
	}
	if err := p.Post.normalize(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline post: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Step) normalize(idx int) error {
	switch {
	case s.Run == "" && s.Uses == "":
		return fmt.Errorf("step %d: one of run or uses is required", idx+1)
	case s.Run != "" && s.Uses != "":
		return fmt.Errorf("step %d: run and uses are mutually exclusive", idx+1)
	case s.Uses != "" && !builtins[s.Uses]:
		return fmt.Errorf("step %d: unknown built-in %q", idx+1, s.Uses)
	}
	if s.Name == "" {
		s.Name = s.Uses
		if s.Name == "" {
			s.Name = firstWords(s.Run, 3)
		}
	}
	switch s.Policy {
	case "":
		s.Policy = PolicyFatal
	case PolicyFatal, PolicyTolerated:
	default:
		return fmt.Errorf("step %q: unknown policy %q", s.Name, s.Policy)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %q: negative timeout", s.Name)
	}
	return nil
}

func (p *PostSpec) normalize() error {
	switch p.Snapshot {
	case SnapshotNone, SnapshotInit, SnapshotAppend:
	default:
		return fmt.Errorf("unknown snapshot mode %q", p.Snapshot)
	}
	names := make(map[string]bool, len(p.Artifacts))
	for i := range p.Artifacts {
		a := &p.Artifacts[i]
		if a.Name == "" || a.Path == "" {
			return fmt.Errorf("artifact %d: name and path are required", i+1)
		}
		if names[a.Name] {
			return fmt.Errorf("artifact %q: duplicate name", a.Name)
		}
		names[a.Name] = true
		switch a.Kind {
		case KindCoverage, KindTestResults, KindLintFindings, KindDocumentation, KindDependencyManifest:
		default:
			return fmt.Errorf("artifact %q: unknown kind %q", a.Name, a.Kind)
		}
		switch a.Policy {
		case "":
			a.Policy = ArchiveAlways
		case ArchiveAlways, ArchiveOnSuccess:
		default:
			return fmt.Errorf("artifact %q: unknown policy %q", a.Name, a.Policy)
		}
	}
	return nil
}

func firstWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[:n]
	}
	return strings.Join(f, " ")
}
