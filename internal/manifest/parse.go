package manifest

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Package is one frozen requirement. Name and Version are empty for lines
// that are not plain name==version pins (editable installs, direct URLs).
type Package struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Raw     string `json:"raw"`
}

// Snapshot is one (tool version, package list) entry of the manifest.
type Snapshot struct {
	ToolVersion string    `json:"toolVersion"`
	Packages    []Package `json:"packages"`
}

// Parse reads a manifest back into its ordered snapshots.
func Parse(r io.Reader) ([]Snapshot, error) {
	var out []Snapshot
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !isRequirement(line) {
			out = append(out, Snapshot{ToolVersion: line})
			continue
		}
		if len(out) == 0 {
			out = append(out, Snapshot{})
		}
		cur := &out[len(out)-1]
		cur.Packages = append(cur.Packages, parsePackage(line))
	}
	return out, sc.Err()
}

// ReadFile parses the manifest at path.
func ReadFile(path string) ([]Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func isRequirement(line string) bool {
	return strings.Contains(line, "==") ||
		strings.Contains(line, " @ ") ||
		strings.HasPrefix(line, "-e ") ||
		strings.HasPrefix(line, "--")
}

func parsePackage(line string) Package {
	if name, version, ok := strings.Cut(line, "=="); ok && !strings.ContainsAny(name, " @") {
		return Package{Name: name, Version: version, Raw: line}
	}
	return Package{Raw: line}
}
