package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/models"
)

// pastHour returns a deadline n hours in the future relative to now (use a
// negative n for a deadline in the past), for bracketing StaleClaims.
func pastHour(n int) time.Time {
	return time.Now().UTC().Add(time.Duration(n) * time.Hour)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return New(db)
}

// seedDataSourceAndJob inserts a DataSource and a child Job so tests that
// insert CommitTasks or SonarRuns satisfy the foreign-key constraints those
// tables carry.
func seedDataSourceAndJob(t *testing.T, st *Store, total int) (dataSourceID, jobID int64) {
	t.Helper()
	ctx := context.Background()
	dataSourceID, err := st.CreateDataSource(ctx, &models.DataSource{Name: "builds"})
	if err != nil {
		t.Fatalf("create data source: %v", err)
	}
	jobID, err = st.CreateJob(ctx, &models.Job{DataSourceID: dataSourceID, Total: total})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return dataSourceID, jobID
}

func TestAdvanceJobBecomesTerminalOnEquality(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, jobID := seedDataSourceAndJob(t, st, 2)

	if err := st.AdvanceJob(ctx, jobID, true, "abc123", ""); err != nil {
		t.Fatalf("advance job: %v", err)
	}
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Processed != 1 || job.Status != models.JobStatusRunning {
		t.Fatalf("expected processed=1 running, got %+v", job)
	}

	if err := st.AdvanceJob(ctx, jobID, true, "def456", ""); err != nil {
		t.Fatalf("advance job: %v", err)
	}
	job, err = st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.Terminal() {
		t.Fatalf("expected terminal job, got %+v", job)
	}
	if job.Status != models.JobStatusSucceeded {
		t.Fatalf("expected succeeded status, got %q", job.Status)
	}
}

func TestAdvanceJobFailureMarksJobFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, jobID := seedDataSourceAndJob(t, st, 1)
	if err := st.AdvanceJob(ctx, jobID, false, "", "scan failed"); err != nil {
		t.Fatalf("advance job: %v", err)
	}
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.FailedCount != 1 || job.Status != models.JobStatusFailed || job.LastError != "scan failed" {
		t.Fatalf("unexpected job state: %+v", job)
	}
}

func TestCreateSonarRunEnforcesUniquePerCommit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dsID, jobID := seedDataSourceAndJob(t, st, 1)

	run := &models.SonarRun{
		DataSourceID: dsID,
		JobID:        jobID,
		ProjectKey:   "acme_widget",
		CommitSha:    "deadbeef",
		ComponentKey: "acme_widget_deadbeef",
	}
	if _, err := st.CreateSonarRun(ctx, run); err != nil {
		t.Fatalf("create sonar run: %v", err)
	}

	dup := &models.SonarRun{
		DataSourceID: dsID,
		JobID:        jobID,
		ProjectKey:   "acme_widget",
		CommitSha:    "deadbeef",
		ComponentKey: "acme_widget_deadbeef",
	}
	if _, err := st.CreateSonarRun(ctx, dup); err == nil {
		t.Fatalf("expected unique constraint violation on duplicate (data_source, project, commit)")
	}
}

func TestGetSonarRunByComponentKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dsID, jobID := seedDataSourceAndJob(t, st, 1)

	id, err := st.CreateSonarRun(ctx, &models.SonarRun{
		DataSourceID: dsID,
		JobID:        jobID,
		ProjectKey:   "acme_widget",
		CommitSha:    "cafef00d",
		ComponentKey: "acme_widget_cafef00d",
	})
	if err != nil {
		t.Fatalf("create sonar run: %v", err)
	}

	run, err := st.GetSonarRunByComponentKey(ctx, "acme_widget_cafef00d")
	if err != nil {
		t.Fatalf("get by component key: %v", err)
	}
	if run.ID != id || run.Status != models.SonarRunStatusRunning {
		t.Fatalf("unexpected run: %+v", run)
	}

	if _, err := st.GetSonarRunByComponentKey(ctx, "nonexistent_key"); err == nil {
		t.Fatalf("expected error for unknown component key")
	}
}

func TestMarkSonarRunFinishedIsIdempotentAcrossRepeatedCalls(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dsID, jobID := seedDataSourceAndJob(t, st, 1)

	id, err := st.CreateSonarRun(ctx, &models.SonarRun{
		DataSourceID: dsID,
		JobID:        jobID,
		ProjectKey:   "acme_widget",
		CommitSha:    "abc",
		ComponentKey: "acme_widget_abc",
	})
	if err != nil {
		t.Fatalf("create sonar run: %v", err)
	}

	// A first finish marks the run succeeded without a metrics path.
	if err := st.MarkSonarRunFinished(ctx, id, models.SonarRunStatusSucceeded, "", "OK"); err != nil {
		t.Fatalf("mark finished (first): %v", err)
	}
	// A repeated finish on the already-terminal run still records the path.
	if err := st.MarkSonarRunFinished(ctx, id, models.SonarRunStatusSucceeded, "exports/acme/1/1_metrics.csv", ""); err != nil {
		t.Fatalf("mark finished (repeat): %v", err)
	}

	run, err := st.GetSonarRunByComponentKey(ctx, "acme_widget_abc")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.SonarRunStatusSucceeded || run.MetricsPath == "" {
		t.Fatalf("expected succeeded run with metrics path, got %+v", run)
	}
}

func TestUpsertOutputCreatesThenIncrementsRecordCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, jobID := seedDataSourceAndJob(t, st, 1)
	path := "exports/acme/1/7_metrics.csv"

	out := &models.Output{JobID: jobID, Path: path, ProjectKey: "acme_widget"}
	if err := st.UpsertOutput(ctx, out); err != nil {
		t.Fatalf("upsert output (create): %v", err)
	}
	got, err := st.GetOutput(ctx, jobID, path)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if got.RecordCount != 0 {
		t.Fatalf("expected record_count 0 on create, got %d", got.RecordCount)
	}

	if err := st.UpsertOutput(ctx, out); err != nil {
		t.Fatalf("upsert output (update): %v", err)
	}
	got, err = st.GetOutput(ctx, jobID, path)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if got.RecordCount != 1 {
		t.Fatalf("expected record_count 1 after second upsert, got %d", got.RecordCount)
	}
}

func TestTryAdmitRespectsCapacity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ok, err := st.TryAdmit(ctx, "sonar-1", 1)
	if err != nil || !ok {
		t.Fatalf("expected first admit to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = st.TryAdmit(ctx, "sonar-1", 1)
	if err != nil {
		t.Fatalf("second admit errored: %v", err)
	}
	if ok {
		t.Fatalf("expected second admit to be denied at capacity 1")
	}

	if err := st.Release(ctx, "sonar-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = st.TryAdmit(ctx, "sonar-1", 1)
	if err != nil || !ok {
		t.Fatalf("expected admit after release to succeed, ok=%v err=%v", ok, err)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Release(ctx, "sonar-1"); err != nil {
		t.Fatalf("release on unknown instance: %v", err)
	}
	ok, err := st.TryAdmit(ctx, "sonar-1", 1)
	if err != nil || !ok {
		t.Fatalf("expected admit to succeed after no-op release, ok=%v err=%v", ok, err)
	}
}

func TestStaleClaimsFindsOnlyClaimedPastDeadline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dsID, jobID := seedDataSourceAndJob(t, st, 1)

	taskID, err := st.CreateCommitTask(ctx, &models.CommitTask{
		JobID: jobID, DataSourceID: dsID, ProjectKey: "acme_widget", CommitSha: "abc",
	})
	if err != nil {
		t.Fatalf("create commit task: %v", err)
	}
	if err := st.ClaimCommitTask(ctx, taskID); err != nil {
		t.Fatalf("claim commit task: %v", err)
	}

	future, err := st.StaleClaims(ctx, pastHour(-1))
	if err != nil {
		t.Fatalf("stale claims: %v", err)
	}
	if len(future) != 0 {
		t.Fatalf("expected no stale claims with a deadline in the past, got %d", len(future))
	}

	stale, err := st.StaleClaims(ctx, pastHour(1))
	if err != nil {
		t.Fatalf("stale claims: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != taskID {
		t.Fatalf("expected the claimed task to be stale, got %+v", stale)
	}
}
