package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/models"
)

type fakeQueue struct {
	mu            sync.Mutex
	enqueued      []*queue.Task
	requeueExpired int
}

func (f *fakeQueue) Enqueue(ctx context.Context, t *queue.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, t)
	return nil
}
func (f *fakeQueue) Reserve(ctx context.Context) (*queue.Reservation, error) { return nil, nil }
func (f *fakeQueue) Ack(ctx context.Context, r *queue.Reservation) error     { return nil }
func (f *fakeQueue) Nack(ctx context.Context, r *queue.Reservation, reason string) error {
	return nil
}
func (f *fakeQueue) RequeueExpired(ctx context.Context) (int, error) { return f.requeueExpired, nil }
func (f *fakeQueue) Length(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }
func (f *fakeQueue) Health(ctx context.Context) queue.Health {
	return queue.Health{Status: "healthy", CheckedAt: time.Now()}
}
func (f *fakeQueue) Close() error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reconciler-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return store.New(db)
}

func seedDataSourceAndJob(t *testing.T, st *store.Store, total int) (dataSourceID, jobID int64) {
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

func TestSweepRequeuesStaleClaimsAndBumpsRetryCount(t *testing.T) {
	st := newTestStore(t)
	q := &fakeQueue{}
	ctx := context.Background()
	dsID, jobID := seedDataSourceAndJob(t, st, 1)

	taskID, err := st.CreateCommitTask(ctx, &models.CommitTask{
		JobID: jobID, DataSourceID: dsID, ProjectKey: "acme_widget", CommitSha: "abc",
	})
	if err != nil {
		t.Fatalf("create commit task: %v", err)
	}
	if err := st.ClaimCommitTask(ctx, taskID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	r, err := New(st, q, "@every 1h", -1*time.Hour) // negative window: everything claimed looks stale
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	r.TriggerNow()

	task, err := st.GetCommitTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get commit task: %v", err)
	}
	if task.RetryCount != 1 {
		t.Fatalf("expected retry count bumped to 1, got %d", task.RetryCount)
	}
	if task.Status != models.CommitTaskStatusPending {
		t.Fatalf("expected task reverted to pending, got %q", task.Status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.enqueued) != 1 || q.enqueued[0].CommitTaskID != taskID {
		t.Fatalf("expected the stale task to be re-enqueued, got %+v", q.enqueued)
	}
}

func TestSweepLeavesFreshClaimsAlone(t *testing.T) {
	st := newTestStore(t)
	q := &fakeQueue{}
	ctx := context.Background()
	dsID, jobID := seedDataSourceAndJob(t, st, 1)

	taskID, err := st.CreateCommitTask(ctx, &models.CommitTask{
		JobID: jobID, DataSourceID: dsID, ProjectKey: "acme_widget", CommitSha: "abc",
	})
	if err != nil {
		t.Fatalf("create commit task: %v", err)
	}
	if err := st.ClaimCommitTask(ctx, taskID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	r, err := New(st, q, "@every 1h", 30*time.Minute) // claimed just now, well within window
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	r.TriggerNow()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.enqueued) != 0 {
		t.Fatalf("expected no re-enqueue for a fresh claim, got %+v", q.enqueued)
	}
}
