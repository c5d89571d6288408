// Package reconciler periodically sweeps for work that fell through the
// cracks: commit tasks whose claim outlived its worker and queue
// reservations whose visibility timeout lapsed. It does not look at sonar
// runs, so a run that never received a webhook is not revisited here.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/store"
)

// Reconciler wraps a cron.Cron running a single sweep entry, the same
// pattern the gateway's scheduler uses for its periodic jobs.
type Reconciler struct {
	cron              *cron.Cron
	store             *store.Store
	queue             queue.Queue
	staleClaimWindow  time.Duration
}

// New builds a Reconciler. schedule is a robfig/cron expression, e.g.
// "@every 10m".
func New(st *store.Store, q queue.Queue, schedule string, staleClaimWindow time.Duration) (*Reconciler, error) {
	r := &Reconciler{
		cron:             cron.New(),
		store:            st,
		queue:            q,
		staleClaimWindow: staleClaimWindow,
	}
	if _, err := r.cron.AddFunc(schedule, r.sweep); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reconciler) Start() { r.cron.Start() }
func (r *Reconciler) Stop()  { <-r.cron.Stop().Done() }

// TriggerNow runs one sweep immediately, bypassing the schedule. The tests
// use it; no HTTP route calls it.
func (r *Reconciler) TriggerNow() { r.sweep() }

func (r *Reconciler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	requeued, err := r.queue.RequeueExpired(ctx)
	if err != nil {
		slog.Error("reconciler: requeue expired reservations", "error", err)
	} else if requeued > 0 {
		slog.Info("reconciler: requeued expired reservations", "count", requeued)
	}

	deadline := time.Now().Add(-r.staleClaimWindow)
	stale, err := r.store.StaleClaims(ctx, deadline)
	if err != nil {
		slog.Error("reconciler: listing stale claims", "error", err)
		return
	}
	for _, task := range stale {
		if err := r.store.IncrementRetry(ctx, task.ID); err != nil {
			slog.Error("reconciler: requeuing stale claim", "task_id", task.ID, "error", err)
			continue
		}
		err := r.queue.Enqueue(ctx, &queue.Task{
			CommitTaskID:   task.ID,
			JobID:          task.JobID,
			DataSourceID:   task.DataSourceID,
			ProjectKey:     task.ProjectKey,
			CommitSha:      task.CommitSha,
			RepoURL:        task.RepoURL,
			RepoSlug:       task.RepoSlug,
			ConfigOverride: task.ConfigOverride,
			RetryCount:     task.RetryCount,
		})
		if err != nil {
			slog.Error("reconciler: re-enqueuing stale claim", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("reconciler: reclaimed stale commit task", "task_id", task.ID, "commit", task.CommitSha)
	}
}
