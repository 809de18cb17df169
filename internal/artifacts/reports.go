package artifacts

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"stageci/internal/core"
	"stageci/internal/manifest"
)

// CoverageSummary holds the headline rates of a Cobertura coverage report.
type CoverageSummary struct {
	LineRate   float64 `xml:"line-rate,attr"`
	BranchRate float64 `xml:"branch-rate,attr"`
}

// ReadCoverage reads the root rates of a coverage XML file.
func ReadCoverage(path string) (CoverageSummary, error) {
	var c CoverageSummary
	if err := decodeXML(path, &c); err != nil {
		return c, err
	}
	return c, nil
}

// TestSummary totals a JUnit XML report.
type TestSummary struct {
	Tests    int
	Failures int
	Errors   int
	Skipped  int
}

type junitSuite struct {
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

// ReadTestResults totals a JUnit report whose root is either <testsuites> or <testsuite>.
func ReadTestResults(path string) (TestSummary, error) {
	var root junitSuite
	if err := decodeXML(path, &root); err != nil {
		return TestSummary{}, err
	}
	if root.Tests == 0 && len(root.Suites) > 0 {
		var s TestSummary
		for _, suite := range root.Suites {
			s.Tests += suite.Tests
			s.Failures += suite.Failures
			s.Errors += suite.Errors
			s.Skipped += suite.Skipped
		}
		return s, nil
	}
	return TestSummary{Tests: root.Tests, Failures: root.Failures, Errors: root.Errors, Skipped: root.Skipped}, nil
}

// Finding is one analyzer finding in the `path:line: [code, context] message (symbol)` format.
type Finding struct {
	Path    string
	Line    int
	Code    string
	Context string
	Message string
	Symbol  string
}

var findingPattern = regexp.MustCompile(`^(.+?):(\d+): \[([A-Z]\d+), ([^\]]*)\] (.*) \(([\w-]+)\)$`)

// ParseFinding parses one lint log line. Lines that are not findings
// (module headers, score lines) return false.
func ParseFinding(line string) (Finding, bool) {
	m := findingPattern.FindStringSubmatch(line)
	if m == nil {
		return Finding{}, false
	}
	n, _ := strconv.Atoi(m[2])
	return Finding{Path: m[1], Line: n, Code: m[3], Context: m[4], Message: m[5], Symbol: m[6]}, true
}

// ReadFindings parses every finding of a lint log.
func ReadFindings(path string) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Finding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if fd, ok := ParseFinding(sc.Text()); ok {
			out = append(out, fd)
		}
	}
	return out, sc.Err()
}

// Summarize renders a one-line summary of an artifact's first path.
func Summarize(a core.Artifact) (string, error) {
	if len(a.Paths) == 0 {
		return "", nil
	}
	path := a.Paths[0]
	switch a.Kind {
	case core.KindCoverage:
		c, err := ReadCoverage(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("line %.1f%%, branch %.1f%%", c.LineRate*100, c.BranchRate*100), nil
	case core.KindTestResults:
		s, err := ReadTestResults(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d tests, %d failures, %d errors, %d skipped", s.Tests, s.Failures, s.Errors, s.Skipped), nil
	case core.KindLintFindings:
		findings, err := ReadFindings(path)
		if err != nil {
			return "", err
		}
		counts := map[byte]int{}
		for _, f := range findings {
			counts[f.Code[0]]++
		}
		return fmt.Sprintf("%d findings (%d error, %d warning, %d convention, %d refactor)",
			len(findings), counts['E']+counts['F'], counts['W'], counts['C'], counts['R']), nil
	case core.KindDependencyManifest:
		snaps, err := manifest.ReadFile(path)
		if err != nil {
			return "", err
		}
		latest := 0
		if len(snaps) > 0 {
			latest = len(snaps[len(snaps)-1].Packages)
		}
		return fmt.Sprintf("%d snapshots, %d packages in latest", len(snaps), latest), nil
	case core.KindDocumentation:
		n := 0
		for _, p := range a.Paths {
			_ = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					n++
				}
				return nil
			})
		}
		return fmt.Sprintf("%d files", n), nil
	}
	return "", nil
}

func decodeXML(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := xml.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
