// Package export appends one CSV row per scanned commit to a per-project
// metrics file, serializing concurrent writers with an OS-level advisory
// lock so two workers finishing around the same time can't interleave rows.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/scanforge/commitpipe/internal/sonar"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/models"
)

// Exporter writes metrics CSVs under RootDir, one file per (project,
// data source, job).
type Exporter struct {
	RootDir string
}

func New(rootDir string) *Exporter {
	return &Exporter{RootDir: rootDir}
}

func sanitizeSegment(value, fallback string) string {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = fallback
	}
	out := make([]rune, 0, len(candidate))
	for _, r := range candidate {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Destination returns the path a commit's metrics row is appended to.
func (e *Exporter) Destination(projectKey string, jobID, dataSourceID int64) string {
	projectPart := sanitizeSegment(projectKey, "project")
	dsPart := sanitizeSegment(fmt.Sprintf("%d", dataSourceID), "unknown")
	jobPart := sanitizeSegment(fmt.Sprintf("%d", jobID), "ad-hoc")
	return filepath.Join(e.RootDir, projectPart, dsPart, jobPart+"_metrics.csv")
}

// AppendResult reports the row count written after the append, so callers
// can keep the Output collection's record_count in sync.
type AppendResult struct {
	Path        string
	RecordCount int
}

// AppendCommitMetrics appends one row (component_key, commit_sha + measure
// values in metricKeys order) to destination, creating the file and header
// on first write. The advisory lock covers the read-header / append-row
// sequence so two workers targeting the same file never interleave.
func (e *Exporter) AppendCommitMetrics(destination, componentKey, commitSha string, metricKeys []string, measures map[string]string) (*AppendResult, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}

	lock := flock.New(destination + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring export lock: %w", err)
	}
	defer lock.Unlock()

	isNew := false
	if _, err := os.Stat(destination); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(destination, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		header := append([]string{"component_key", "commit_sha"}, metricKeys...)
		if err := w.Write(header); err != nil {
			return nil, fmt.Errorf("writing csv header: %w", err)
		}
	}
	row := make([]string, 0, len(metricKeys)+2)
	row = append(row, componentKey, commitSha)
	for _, key := range metricKeys {
		row = append(row, measures[key])
	}
	if err := w.Write(row); err != nil {
		return nil, fmt.Errorf("writing csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	count, err := countDataRows(destination)
	if err != nil {
		return nil, err
	}
	return &AppendResult{Path: destination, RecordCount: count}, nil
}

// ExportForRun fetches the backend's measures for run's component, appends
// the metrics row, records the matching Output, and only then marks run
// succeeded — this is the sole path by which a SonarRun may reach the
// succeeded status, so a crash between webhook receipt and export can never
// leave a run marked succeeded with no metrics row behind it.
func (e *Exporter) ExportForRun(ctx context.Context, st *store.Store, client *sonar.Client, run *models.SonarRun, measureKeys []string, chunkSize int) error {
	measures, err := client.Measures(ctx, run.ComponentKey, measureKeys, chunkSize)
	if err != nil {
		return fmt.Errorf("fetching measures: %w", err)
	}
	dest := e.Destination(run.ProjectKey, run.JobID, run.DataSourceID)
	result, err := e.AppendCommitMetrics(dest, run.ComponentKey, run.CommitSha, measureKeys, measures)
	if err != nil {
		return fmt.Errorf("exporting metrics: %w", err)
	}
	if err := st.UpsertOutput(ctx, &models.Output{
		JobID:       run.JobID,
		Path:        result.Path,
		ProjectKey:  run.ProjectKey,
		RecordCount: result.RecordCount,
	}); err != nil {
		return fmt.Errorf("upserting output: %w", err)
	}
	return st.MarkSonarRunFinished(ctx, run.ID, models.SonarRunStatusSucceeded, result.Path, "")
}

// countDataRows returns the number of rows after the header.
func countDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return len(rows) - 1, nil
}
