// Package ingest parses an uploaded build-history CSV and fans it out into
// one CommitTask per unique (project, commit) pair, enqueuing each for
// execution.
package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/models"
)

// Column names the build-history CSV is expected to carry, matching the
// TravisTorrent-style export this system originally ingested.
const (
	RepoColumn   = "gh_project_name"
	CommitColumn = "git_trigger_commit"
	BranchColumn = "git_branch"
)

// Pipeline streams rows out of a CSV file, deduplicating by (project_key,
// commit_sha). batchSize is kept but not used: rows are inserted one at a
// time.
type Pipeline struct {
	store     *store.Store
	queue     queue.Queue
	batchSize int
}

func New(st *store.Store, q queue.Queue, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Pipeline{store: st, queue: q, batchSize: batchSize}
}

// Summary mirrors the stats the original pipeline recorded against a
// DataSource after its first pass over the CSV.
type Summary struct {
	ProjectKey     string
	TotalBuilds    int
	TotalCommits   int
	UniqueBranches int
}

func clean(v string) string { return strings.TrimSpace(v) }

func deriveProjectKey(repoSlug, fallback string) string {
	if repoSlug == "" {
		return fallback
	}
	return strings.ReplaceAll(repoSlug, "/", "_")
}

// Summarise scans csvPath once to compute aggregate stats without
// materialising every row, the same split Load/Fan-out pass the original
// ingestion task performed via pandas.
func Summarise(csvPath string) (*Summary, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	idx := columnIndex(header)

	fallback := strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))
	seenCommits := map[string]struct{}{}
	branches := map[string]struct{}{}
	totalBuilds := 0
	projectKey := ""

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}
		totalBuilds++
		slug := clean(field(row, idx, RepoColumn))
		if projectKey == "" {
			projectKey = deriveProjectKey(slug, fallback)
		}
		commit := clean(field(row, idx, CommitColumn))
		if commit != "" {
			seenCommits[commit] = struct{}{}
		}
		if branch := clean(field(row, idx, BranchColumn)); branch != "" {
			branches[branch] = struct{}{}
		}
	}
	if projectKey == "" {
		projectKey = fallback
	}
	return &Summary{
		ProjectKey:     projectKey,
		TotalBuilds:    totalBuilds,
		TotalCommits:   len(seenCommits),
		UniqueBranches: len(branches),
	}, nil
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func field(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// FanOut creates a Job for dataSource, then streams csvPath a second time,
// inserting one CommitTask per unique (project_key, commit_sha) row and
// enqueuing it for execution. Returns the number of tasks queued.
func (p *Pipeline) FanOut(ctx context.Context, dataSource *models.DataSource, csvPath string) (int64, int, error) {
	_, err := Summarise(csvPath)
	if err != nil {
		return 0, 0, err
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return 0, 0, fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("reading csv header: %w", err)
	}
	idx := columnIndex(header)
	fallback := strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))

	type key struct{ project, commit string }
	seen := map[key]struct{}{}
	var rows []models.CommitTask

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("reading csv row: %w", err)
		}
		commit := clean(field(row, idx, CommitColumn))
		if commit == "" {
			continue
		}
		slug := clean(field(row, idx, RepoColumn))
		projectKey := deriveProjectKey(slug, fallback)

		k := key{projectKey, commit}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		repoURL := ""
		if slug != "" {
			repoURL = fmt.Sprintf("https://github.com/%s.git", slug)
		}
		rows = append(rows, models.CommitTask{
			DataSourceID:   dataSource.ID,
			ProjectKey:     projectKey,
			CommitSha:      commit,
			RepoURL:        repoURL,
			RepoSlug:       slug,
			ConfigOverride: dataSource.ConfigOverride,
		})
	}

	total := len(rows)
	job := &models.Job{
		DataSourceID: dataSource.ID,
		Total:        total,
		Status:       models.JobStatusQueued,
	}
	if total == 0 {
		job.Status = models.JobStatusSucceeded
	}
	jobID, err := p.store.CreateJob(ctx, job)
	if err != nil {
		return 0, 0, fmt.Errorf("creating job: %w", err)
	}

	if total == 0 {
		_ = p.store.UpdateDataSourceStatus(ctx, dataSource.ID, models.DataSourceStatusReady)
		return jobID, 0, nil
	}

	queued := 0
	for i := range rows {
		rows[i].JobID = jobID
		taskID, err := p.store.CreateCommitTask(ctx, &rows[i])
		if err != nil {
			return jobID, queued, fmt.Errorf("creating commit task: %w", err)
		}
		err = p.queue.Enqueue(ctx, &queue.Task{
			CommitTaskID:   taskID,
			JobID:          jobID,
			DataSourceID:   dataSource.ID,
			ProjectKey:     rows[i].ProjectKey,
			CommitSha:      rows[i].CommitSha,
			RepoURL:        rows[i].RepoURL,
			RepoSlug:       rows[i].RepoSlug,
			ConfigOverride: rows[i].ConfigOverride,
		})
		if err != nil {
			return jobID, queued, fmt.Errorf("enqueuing commit task %d: %w", taskID, err)
		}
		queued++
	}

	_ = p.store.UpdateDataSourceStatus(ctx, dataSource.ID, models.DataSourceStatusProcessing)
	return jobID, queued, nil
}
