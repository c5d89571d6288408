package sonar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ScanResult is the outcome of one scanner subprocess invocation.
type ScanResult struct {
	ComponentKey string
	LogPath      string
	Output       string
}

// CommandRunner invokes the analysis scanner binary against a checked-out
// commit. The scanner binary itself (sonar-scanner or equivalent) is
// expected on PATH or at ScannerBin.
type CommandRunner struct {
	ScannerBin string
	HostURL    string
	Token      string
	LogsDir    string
}

// Scan runs the scanner against repoDir, registering the analysis under
// componentKey. Output is captured and written to a per-commit log file
// regardless of success, mirroring the original pipeline's always-written
// scan log.
func (r *CommandRunner) Scan(ctx context.Context, repoDir, projectName, componentKey, commitSha string) (*ScanResult, error) {
	if err := os.MkdirAll(r.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}
	logPath := filepath.Join(r.LogsDir, commitSha+".log")

	kind, err := detectProjectKind(repoDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, r.ScannerBin, buildScanArgs(projectName, componentKey, r.HostURL, r.Token, kind)...)
	cmd.Dir = repoDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output := buf.String()
	if writeErr := os.WriteFile(logPath, []byte(output), 0o644); writeErr != nil {
		return nil, fmt.Errorf("writing scan log: %w", writeErr)
	}
	if runErr != nil {
		return nil, fmt.Errorf("scanner exited non-zero for %s: %w", componentKey, runErr)
	}
	return &ScanResult{ComponentKey: componentKey, LogPath: logPath, Output: output}, nil
}

// buildScanArgs mirrors the original scanner invocation's property flags,
// generalized from a single hardcoded language to a detected project kind.
func buildScanArgs(projectName, componentKey, hostURL, token, kind string) []string {
	args := []string{
		"-Dsonar.projectKey=" + componentKey,
		"-Dsonar.projectName=" + projectName,
		"-Dsonar.sources=.",
		"-Dsonar.host.url=" + hostURL,
		"-Dsonar.login=" + token,
		"-Dsonar.sourceEncoding=UTF-8",
		"-Dsonar.exclusions=**/spec/**,**/test/**,**/vendor/**,**/tmp/**,**/node_modules/**",
	}
	switch kind {
	case "ruby":
		args = append(args, "-Dsonar.language=ruby")
	case "go":
		args = append(args, "-Dsonar.go.coverage.reportPaths=coverage.out")
	case "javascript":
		args = append(args, "-Dsonar.javascript.lcov.reportPaths=coverage/lcov.info")
	case "python":
		args = append(args, "-Dsonar.python.coverage.reportPaths=coverage.xml")
	}
	return args
}

// detectProjectKind generalizes the original Ruby-only `*.rb` heuristic to a
// small set of common ecosystems, sampling a bounded number of files so a
// huge monorepo checkout doesn't turn detection into a full repo walk.
func detectProjectKind(repoDir string) (string, error) {
	counts := map[string]int{}
	extKind := map[string]string{
		".rb": "ruby", ".go": "go", ".js": "javascript", ".ts": "javascript", ".py": "python",
	}

	const sampleLimit = 2000
	visited := 0
	err := filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "vendor" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		visited++
		if visited > sampleLimit {
			return errStopWalk
		}
		if kind, ok := extKind[strings.ToLower(filepath.Ext(path))]; ok {
			counts[kind]++
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", fmt.Errorf("scanning project kind: %w", err)
	}

	best, bestCount := "unknown", 0
	for kind, c := range counts {
		if c > bestCount {
			best, bestCount = kind, c
		}
	}
	return best, nil
}

var errStopWalk = errors.New("sample limit reached")
