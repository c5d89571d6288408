package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/scanforge/commitpipe/internal/admission"
	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/internal/export"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/sonar"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/internal/worktree"
	"github.com/scanforge/commitpipe/models"
)

type fakeQueue struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, t *queue.Task) error { return nil }
func (f *fakeQueue) Reserve(ctx context.Context) (*queue.Reservation, error) {
	return nil, nil
}
func (f *fakeQueue) Ack(ctx context.Context, r *queue.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, r.Task.ID)
	return nil
}
func (f *fakeQueue) Nack(ctx context.Context, r *queue.Reservation, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, reason)
	return nil
}
func (f *fakeQueue) RequeueExpired(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeQueue) Length(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }
func (f *fakeQueue) Health(ctx context.Context) queue.Health {
	return queue.Health{Status: "healthy", CheckedAt: time.Now()}
}
func (f *fakeQueue) Close() error { return nil }

func newSourceRepo(t *testing.T) (dir, sha string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init source repo: %v", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := w.Add("main.go"); err != nil {
		t.Fatalf("add: %v", err)
	}
	commit, err := w.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0)},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir, commit.String()
}

func fakeScannerBin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-scanner.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho scanned\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake scanner: %v", err)
	}
	return path
}

// newTestExecutor wires a real tempdir sqlite store, a real local-git
// worktree manager, and an httptest backend standing in for the analysis
// server, so runTask can be exercised end to end without any network or
// external scanner binary.
func newTestExecutor(t *testing.T, backendURL string) (*executor, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "worker-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	st := store.New(db)

	wt, err := worktree.New(t.TempDir(), t.TempDir(), 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new worktree manager: %v", err)
	}

	cfg := &config.Config{
		Export: config.ExportConfig{
			OutputDir:         t.TempDir(),
			MeasureKeys:       []string{"coverage", "bugs"},
			MeasuresChunkSize: 0,
		},
		Backends: config.BackendsConfig{
			Instances: []config.BackendInstanceConfig{
				{Name: "sonar-a", BaseURL: backendURL, Token: "tok", MaxConcurrent: 1},
			},
			PollIntervalSeconds: 1,
		},
		Queue: config.QueueConfig{MaxRetries: 2},
	}

	ex := &executor{
		cfg:       cfg,
		store:     st,
		queue:     &fakeQueue{},
		admission: admission.New(st, map[string]int{"sonar-a": 1}),
		worktree:  wt,
		exporter:  export.New(cfg.Export.OutputDir),
		runner:    &sonar.CommandRunner{ScannerBin: fakeScannerBin(t), LogsDir: t.TempDir()},
		backends:  []string{"sonar-a"},
	}
	return ex, st
}

func newQualityGateBackend(t *testing.T, status string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/qualitygates/project_status":
			json.NewEncoder(w).Encode(map[string]any{
				"projectStatus": map[string]string{"status": status},
			})
		case "/api/measures/component":
			json.NewEncoder(w).Encode(map[string]any{
				"component": map[string]any{
					"measures": []map[string]string{
						{"metric": "coverage", "value": "91.2"},
						{"metric": "bugs", "value": "0"},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestRunTaskSucceedsEndToEnd(t *testing.T) {
	srv := newQualityGateBackend(t, "OK")
	defer srv.Close()
	ex, st := newTestExecutor(t, srv.URL)
	ctx := context.Background()

	repoDir, sha := newSourceRepo(t)
	dsID, err := st.CreateDataSource(ctx, &models.DataSource{Name: "builds"})
	if err != nil {
		t.Fatalf("create data source: %v", err)
	}
	jobID, err := st.CreateJob(ctx, &models.Job{DataSourceID: dsID, Total: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	task := &queue.Task{
		CommitTaskID: 1, JobID: jobID, DataSourceID: dsID,
		ProjectKey: "acme_widget", CommitSha: sha, RepoURL: repoDir,
	}
	componentKey := models.ComponentKey(task.ProjectKey, task.CommitSha)

	status, reason := ex.runTask(ctx, task, componentKey, discardLogger())
	if status != models.SonarRunStatusSucceeded {
		t.Fatalf("expected succeeded, got status=%q reason=%q", status, reason)
	}

	run, err := st.GetSonarRunByComponentKey(ctx, componentKey)
	if err != nil {
		t.Fatalf("get sonar run: %v", err)
	}
	if run.MetricsPath == "" {
		t.Fatalf("expected metrics path to be recorded, got %+v", run)
	}

	content, err := os.ReadFile(run.MetricsPath)
	if err != nil {
		t.Fatalf("read exported metrics: %v", err)
	}
	if got := string(content); !strings.Contains(got, componentKey) || !strings.Contains(got, sha) {
		t.Fatalf("expected exported CSV to contain component key and commit sha, got %q", got)
	}
}

func TestRunTaskReturnsFailureOnQualityGateError(t *testing.T) {
	srv := newQualityGateBackend(t, "ERROR")
	defer srv.Close()
	ex, st := newTestExecutor(t, srv.URL)
	ctx := context.Background()

	repoDir, sha := newSourceRepo(t)
	dsID, err := st.CreateDataSource(ctx, &models.DataSource{Name: "builds"})
	if err != nil {
		t.Fatalf("create data source: %v", err)
	}
	jobID, err := st.CreateJob(ctx, &models.Job{DataSourceID: dsID, Total: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	task := &queue.Task{
		CommitTaskID: 1, JobID: jobID, DataSourceID: dsID,
		ProjectKey: "acme_widget", CommitSha: sha, RepoURL: repoDir,
	}
	componentKey := models.ComponentKey(task.ProjectKey, task.CommitSha)

	status, reason := ex.runTask(ctx, task, componentKey, discardLogger())
	if status == models.SonarRunStatusSucceeded {
		t.Fatalf("expected a non-succeeded status for a failing quality gate, reason=%q", reason)
	}
}

func TestRunTaskShortCircuitsOnExistingTerminalRun(t *testing.T) {
	ex, st := newTestExecutor(t, "http://unused.invalid")
	ctx := context.Background()

	dsID, err := st.CreateDataSource(ctx, &models.DataSource{Name: "builds"})
	if err != nil {
		t.Fatalf("create data source: %v", err)
	}
	jobID, err := st.CreateJob(ctx, &models.Job{DataSourceID: dsID, Total: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	runID, err := st.CreateSonarRun(ctx, &models.SonarRun{
		DataSourceID: dsID, JobID: jobID,
		ProjectKey: "acme_widget", CommitSha: "already-done",
		ComponentKey: "acme_widget_already-done",
	})
	if err != nil {
		t.Fatalf("create sonar run: %v", err)
	}
	if err := st.MarkSonarRunFinished(ctx, runID, models.SonarRunStatusSucceeded, "some/path.csv", "OK"); err != nil {
		t.Fatalf("mark finished: %v", err)
	}

	task := &queue.Task{
		CommitTaskID: 1, JobID: jobID, DataSourceID: dsID,
		ProjectKey: "acme_widget", CommitSha: "already-done", RepoURL: "unused",
	}
	status, reason := ex.runTask(ctx, task, "acme_widget_already-done", discardLogger())
	if status != models.SonarRunStatusSucceeded || reason != "" {
		t.Fatalf("expected idempotent short-circuit to succeeded/no-reason, got status=%q reason=%q", status, reason)
	}
}

func TestBackendConfigLooksUpByName(t *testing.T) {
	ex, _ := newTestExecutor(t, "http://unused.invalid")
	cfg := ex.backendConfig("sonar-a")
	if cfg.Name != "sonar-a" || cfg.Token != "tok" {
		t.Fatalf("unexpected backend config: %+v", cfg)
	}
	if got := ex.backendConfig("missing"); got.Name != "" {
		t.Fatalf("expected zero value for unknown backend, got %+v", got)
	}
}

func TestIsMissingCommitMatchesCheckoutErrors(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errString("object not found"), true},
		{errString("reference not found"), true},
		{errString("checking out deadbeef: object not found"), true},
		{errString("permission denied"), false},
	}
	for _, c := range cases {
		if got := isMissingCommit(c.err); got != c.want {
			t.Fatalf("isMissingCommit(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestOutcomeLabel(t *testing.T) {
	if outcomeLabel(true) != "succeeded" {
		t.Fatalf("expected succeeded label")
	}
	if outcomeLabel(false) != "failed" {
		t.Fatalf("expected failed label")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
