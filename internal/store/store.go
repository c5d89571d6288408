// Package store provides typed persistence methods for commitpipe's
// collections, layered over the generic reflection-based database.DB.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/models"
)

// Store wraps a database.DB with one method set per collection.
type Store struct {
	DB database.DB
}

// New wraps an already-opened database.DB.
func New(db database.DB) *Store {
	return &Store{DB: db}
}

func now() time.Time { return time.Now().UTC() }

// --- DataSource ---

func (s *Store) CreateDataSource(ctx context.Context, d *models.DataSource) (int64, error) {
	d.CreatedAt, d.UpdatedAt = now(), now()
	if d.Status == "" {
		d.Status = models.DataSourceStatusPending
	}
	return s.DB.Insert(ctx, "data_sources", d)
}

func (s *Store) GetDataSource(ctx context.Context, id int64) (*models.DataSource, error) {
	var d models.DataSource
	if err := s.DB.Get(ctx, &d, `SELECT * FROM data_sources WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get data source %d: %w", id, err)
	}
	return &d, nil
}

func (s *Store) UpdateDataSourceStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.Exec(ctx, `UPDATE data_sources SET status = ?, updated_at = ? WHERE id = ?`,
		status, now().Format(time.RFC3339), id)
	return err
}

func (s *Store) ListDataSources(ctx context.Context) ([]*models.DataSource, error) {
	var out []*models.DataSource
	err := s.DB.Select(ctx, &out, `SELECT * FROM data_sources ORDER BY id DESC`)
	return out, err
}

// --- Job ---

func (s *Store) CreateJob(ctx context.Context, j *models.Job) (int64, error) {
	j.CreatedAt, j.UpdatedAt = now(), now()
	if j.Status == "" {
		j.Status = models.JobStatusQueued
	}
	return s.DB.Insert(ctx, "jobs", j)
}

func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var j models.Job
	if err := s.DB.Get(ctx, &j, `SELECT * FROM jobs WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &j, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]*models.Job, error) {
	var out []*models.Job
	err := s.DB.Select(ctx, &out, `SELECT * FROM jobs ORDER BY id DESC`)
	return out, err
}

// AdvanceJob atomically bumps a job's processed/failed counters and derives
// its terminal status, mirroring the Celery task's processed+failed<=total
// bookkeeping. succeeded selects which counter increments.
//
// The counter bump is a single in-place UPDATE rather than a
// read-modify-write: two executors finishing distinct commits of the same
// job concurrently each issue their own "processed = processed + 1" against
// the row, so neither can clobber the other's increment. The status is then
// derived from a fresh read of the row, and a second guarded UPDATE writes
// it only while the job isn't already terminal,
// so a goroutine whose read predates another's increment can never
// overwrite a terminal status with a stale "running".
func (s *Store) AdvanceJob(ctx context.Context, id int64, succeeded bool, currentCommit, lastErr string) error {
	processedInc, failedInc := 0, 0
	if succeeded {
		processedInc = 1
	} else {
		failedInc = 1
	}
	ts := now().Format(time.RFC3339)

	if lastErr != "" {
		if _, err := s.DB.Exec(ctx,
			`UPDATE jobs SET processed = processed + ?, failed_count = failed_count + ?, current_commit = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			processedInc, failedInc, currentCommit, lastErr, ts, id); err != nil {
			return err
		}
	} else {
		if _, err := s.DB.Exec(ctx,
			`UPDATE jobs SET processed = processed + ?, failed_count = failed_count + ?, current_commit = ?, updated_at = ? WHERE id = ?`,
			processedInc, failedInc, currentCommit, ts, id); err != nil {
			return err
		}
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return s.recomputeJobTerminality(ctx, j, ts)
}

// recomputeJobTerminality derives status from j's already-persisted counters
// and writes it back only while the row isn't already terminal, so a stale
// read from an earlier AdvanceJob call can't downgrade a job that a
// different, later-finishing call already marked succeeded/failed.
func (s *Store) recomputeJobTerminality(ctx context.Context, j *models.Job, ts string) error {
	status := models.JobStatusRunning
	if j.Terminal() {
		if j.FailedCount > 0 {
			status = models.JobStatusFailed
		} else {
			status = models.JobStatusSucceeded
		}
	}
	_, err := s.DB.Exec(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, ts, j.ID, models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled)
	return err
}

// --- CommitTask ---

func (s *Store) CreateCommitTask(ctx context.Context, t *models.CommitTask) (int64, error) {
	t.CreatedAt, t.UpdatedAt = now(), now()
	if t.Status == "" {
		t.Status = models.CommitTaskStatusPending
	}
	return s.DB.Insert(ctx, "commit_tasks", t)
}

func (s *Store) GetCommitTask(ctx context.Context, id int64) (*models.CommitTask, error) {
	var t models.CommitTask
	if err := s.DB.Get(ctx, &t, `SELECT * FROM commit_tasks WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get commit task %d: %w", id, err)
	}
	return &t, nil
}

// ClaimCommitTask marks a task claimed, recording the claim time so the
// reconciler can detect abandoned claims.
func (s *Store) ClaimCommitTask(ctx context.Context, id int64) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE commit_tasks SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ?`,
		models.CommitTaskStatusClaimed, now().Format(time.RFC3339), now().Format(time.RFC3339), id)
	return err
}

func (s *Store) FinishCommitTask(ctx context.Context, id int64, status string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE commit_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, now().Format(time.RFC3339), id)
	return err
}

func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE commit_tasks SET retry_count = retry_count + 1, status = ?, updated_at = ? WHERE id = ?`,
		models.CommitTaskStatusPending, now().Format(time.RFC3339), id)
	return err
}

// StaleClaims returns commit tasks still "claimed" past the given deadline,
// used by the reconciler to find abandoned worker claims.
func (s *Store) StaleClaims(ctx context.Context, olderThan time.Time) ([]*models.CommitTask, error) {
	var out []*models.CommitTask
	err := s.DB.Select(ctx, &out,
		`SELECT * FROM commit_tasks WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		models.CommitTaskStatusClaimed, olderThan.Format(time.RFC3339))
	return out, err
}

// --- SonarRun ---

// CreateSonarRun inserts a run row, relying on the (data_source_id,
// project_key, commit_sha) unique index to enforce at-most-one run per
// commit even under concurrent workers.
func (s *Store) CreateSonarRun(ctx context.Context, r *models.SonarRun) (int64, error) {
	r.CreatedAt, r.UpdatedAt = now(), now()
	if r.Status == "" {
		r.Status = models.SonarRunStatusRunning
	}
	return s.DB.Insert(ctx, "sonar_runs", r)
}

func (s *Store) GetSonarRunByComponentKey(ctx context.Context, componentKey string) (*models.SonarRun, error) {
	var r models.SonarRun
	if err := s.DB.Get(ctx, &r, `SELECT * FROM sonar_runs WHERE component_key = ?`, componentKey); err != nil {
		return nil, fmt.Errorf("get sonar run %s: %w", componentKey, err)
	}
	return &r, nil
}

func (s *Store) GetSonarRunByCommit(ctx context.Context, dataSourceID int64, projectKey, commitSha string) (*models.SonarRun, error) {
	var r models.SonarRun
	err := s.DB.Get(ctx, &r,
		`SELECT * FROM sonar_runs WHERE data_source_id = ? AND project_key = ? AND commit_sha = ?`,
		dataSourceID, projectKey, commitSha)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateSonarRunStatus(ctx context.Context, id int64, status, message string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE sonar_runs SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, now().Format(time.RFC3339), id)
	return err
}

func (s *Store) MarkSonarRunSubmitted(ctx context.Context, id int64, backendInstance, analysisID string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE sonar_runs SET status = ?, backend_instance = ?, analysis_id = ?, updated_at = ? WHERE id = ?`,
		models.SonarRunStatusSubmitted, backendInstance, analysisID, now().Format(time.RFC3339), id)
	return err
}

// UpdateSonarRunAnalysisID records the backend-reported analysis identifier
// a webhook callback correlates to, ahead of the finishing status update.
func (s *Store) UpdateSonarRunAnalysisID(ctx context.Context, id int64, analysisID string) error {
	if analysisID == "" {
		return nil
	}
	_, err := s.DB.Exec(ctx,
		`UPDATE sonar_runs SET analysis_id = ?, updated_at = ? WHERE id = ?`,
		analysisID, now().Format(time.RFC3339), id)
	return err
}

func (s *Store) MarkSonarRunFinished(ctx context.Context, id int64, status, metricsPath, message string) error {
	t := now()
	_, err := s.DB.Exec(ctx,
		`UPDATE sonar_runs SET status = ?, metrics_path = ?, message = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		status, metricsPath, message, t.Format(time.RFC3339), t.Format(time.RFC3339), id)
	return err
}

// --- DeadLetter ---

func (s *Store) CreateDeadLetter(ctx context.Context, dl *models.DeadLetter) (int64, error) {
	dl.CreatedAt, dl.UpdatedAt = now(), now()
	if dl.Status == "" {
		dl.Status = models.DeadLetterStatusPending
	}
	return s.DB.Insert(ctx, "dead_letters", dl)
}

func (s *Store) ListDeadLetters(ctx context.Context, jobID int64) ([]*models.DeadLetter, error) {
	var out []*models.DeadLetter
	var err error
	if jobID == 0 {
		err = s.DB.Select(ctx, &out, `SELECT * FROM dead_letters ORDER BY id DESC`)
	} else {
		err = s.DB.Select(ctx, &out, `SELECT * FROM dead_letters WHERE job_id = ? ORDER BY id DESC`, jobID)
	}
	return out, err
}

func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := s.DB.Get(ctx, &dl, `SELECT * FROM dead_letters WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	return &dl, nil
}

func (s *Store) MarkDeadLetterStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.Exec(ctx, `UPDATE dead_letters SET status = ?, updated_at = ? WHERE id = ?`,
		status, now().Format(time.RFC3339), id)
	return err
}

// --- Output ---

// UpsertOutput creates the row on first export for a (job, path) pair and
// otherwise bumps record_count, matching the append-only CSV it tracks.
func (s *Store) UpsertOutput(ctx context.Context, o *models.Output) error {
	o.UpdatedAt = now()
	existing, err := s.GetOutput(ctx, o.JobID, o.Path)
	if err != nil {
		o.CreatedAt = o.UpdatedAt
		_, err := s.DB.Insert(ctx, "outputs", o)
		return err
	}
	_, err = s.DB.Exec(ctx,
		`UPDATE outputs SET record_count = ?, metrics = ?, updated_at = ? WHERE job_id = ? AND path = ?`,
		existing.RecordCount+1, o.Metrics, o.UpdatedAt.Format(time.RFC3339), o.JobID, o.Path)
	return err
}

func (s *Store) GetOutput(ctx context.Context, jobID int64, path string) (*models.Output, error) {
	var o models.Output
	err := s.DB.Get(ctx, &o, `SELECT * FROM outputs WHERE job_id = ? AND path = ?`, jobID, path)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListOutputs(ctx context.Context, jobID int64) ([]*models.Output, error) {
	var out []*models.Output
	err := s.DB.Select(ctx, &out, `SELECT * FROM outputs WHERE job_id = ? ORDER BY id`, jobID)
	return out, err
}

// --- BackendAdmission ---

// TryAdmit attempts to reserve one concurrency slot on instance, returning
// false without error when the instance is already at capacity.
func (s *Store) TryAdmit(ctx context.Context, instance string, capacity int) (bool, error) {
	var a models.BackendAdmission
	err := s.DB.Get(ctx, &a, `SELECT * FROM backend_admissions WHERE instance = ?`, instance)
	if err != nil {
		a = models.BackendAdmission{Instance: instance, InUse: 0, Capacity: capacity}
		if _, ierr := s.DB.Insert(ctx, "backend_admissions", &a); ierr != nil {
			return false, ierr
		}
	}
	if a.InUse >= capacity {
		return false, nil
	}
	// Conditional update: admission is decided by whether THIS caller's own
	// UPDATE matched a row, not by re-reading the instance's current in_use
	// afterward — a concurrent caller's successful increment would also move
	// that snapshot, which would otherwise make a losing caller believe it
	// won too. Rows-affected ties the verdict to this call's own write.
	affected, err := s.DB.Exec(ctx,
		`UPDATE backend_admissions SET in_use = in_use + 1, capacity = ? WHERE instance = ? AND in_use < ?`,
		capacity, instance, capacity)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) Release(ctx context.Context, instance string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE backend_admissions SET in_use = CASE WHEN in_use > 0 THEN in_use - 1 ELSE 0 END WHERE instance = ?`,
		instance)
	return err
}
