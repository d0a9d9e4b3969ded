package testexec

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNoTestRunner indicates no project marker matched the workspace.
var ErrNoTestRunner = errors.New("no test runner detected")

// RunnerInfo describes the detected test runner for a workspace.
type RunnerInfo struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Marker  string `json:"marker"`
}

type marker struct {
	file    string
	name    string
	command string
}

// markers are probed in order; the first match wins.
var markers = []marker{
	{"package.json", "npm", "npm test"},
	{"go.mod", "go", "go test ./..."},
	{"pom.xml", "maven", "mvn -q test"},
	{"build.gradle", "gradle", "gradle test"},
	{"build.gradle.kts", "gradle", "gradle test"},
	{"pytest.ini", "pytest", "pytest"},
	{"pyproject.toml", "pytest", "pytest"},
	{"setup.py", "pytest", "pytest"},
}

var makefileTestTarget = regexp.MustCompile(`(?m)^test\s*:`)

// DetectRunner probes the workspace for a known project marker and returns
// the matching test runner. A Makefile only counts when it declares a test
// target.
func DetectRunner(dir string) (*RunnerInfo, error) {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err != nil {
			continue
		}
		info := &RunnerInfo{Name: m.name, Command: m.command, Marker: m.file}
		if m.name == "gradle" {
			if _, err := os.Stat(filepath.Join(dir, "gradlew")); err == nil {
				info.Command = "./gradlew test"
			}
		}
		return info, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, "Makefile"))
	if err == nil && makefileTestTarget.Match(data) {
		return &RunnerInfo{Name: "make", Command: "make test", Marker: "Makefile"}, nil
	}

	return nil, ErrNoTestRunner
}
