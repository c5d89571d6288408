package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scanforge/commitpipe/internal/admission"
	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/internal/export"
	"github.com/scanforge/commitpipe/internal/forkfinder"
	"github.com/scanforge/commitpipe/internal/metrics"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/sonar"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/internal/worktree"
	"github.com/scanforge/commitpipe/models"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a commit-execution worker against the queue",
	Long: `worker reserves CommitTask envelopes off the queue, checks out the
target commit, submits it to an admitted analysis backend instance, and
either waits for the quality-gate webhook to correlate or dead-letters the
task once retries are exhausted.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().Int("concurrency", 1, "number of commit tasks to process in parallel")
}

// executor holds everything one worker goroutine needs to process a single
// reserved task end to end.
type executor struct {
	cfg        *config.Config
	store      *store.Store
	queue      queue.Queue
	admission  *admission.Controller
	worktree   *worktree.Manager
	forkFinder *forkfinder.Finder
	exporter   *export.Exporter
	runner     *sonar.CommandRunner
	backends   []string
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	q, err := queue.New(queue.Config{
		Addr:              cfg.Queue.Addr,
		Password:          cfg.Queue.Password,
		DB:                cfg.Queue.DB,
		KeyPrefix:         cfg.Queue.KeyPrefix,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutSeconds) * time.Second,
		MaxRetries:        cfg.Queue.MaxRetries,
		MaxBackoff:        time.Duration(cfg.Queue.MaxBackoffSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}
	defer q.Close()

	instances := make(map[string]int, len(cfg.Backends.Instances))
	var backendOrder []string
	for _, b := range cfg.Backends.Instances {
		instances[b.Name] = b.MaxConcurrent
		backendOrder = append(backendOrder, b.Name)
	}
	if len(backendOrder) == 0 {
		return fmt.Errorf("no backend instances configured")
	}
	adm := admission.New(st, instances)

	wt, err := worktree.New(cfg.Worktree.RootDir, cfg.Worktree.WorkDir, cfg.Worktree.CloneDepth,
		time.Duration(cfg.Worktree.LockTimeoutSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("setting up worktree manager: %w", err)
	}

	var tokens []string
	var host string
	for _, gh := range cfg.Git.GitHub {
		if gh.Token != "" {
			tokens = append(tokens, gh.Token)
		}
		if gh.Host != "" {
			host = gh.Host
		}
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no GitHub tokens configured")
	}
	ff, err := forkfinder.New(tokens, host, cfg.ForkFinder.MaxForkPages, cfg.ForkFinder.PerPage, cfg.ForkFinder.UseGraphQLBatch)
	if err != nil {
		return fmt.Errorf("setting up fork finder: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.MustRegister(prometheus.DefaultRegisterer)
	}

	ex := &executor{
		cfg:        cfg,
		store:      st,
		queue:      q,
		admission:  adm,
		worktree:   wt,
		forkFinder: ff,
		exporter:   export.New(cfg.Export.OutputDir),
		runner: &sonar.CommandRunner{
			ScannerBin: cfg.Scanner.Bin,
			LogsDir:    cfg.Scanner.LogsDir,
		},
		backends: backendOrder,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker: starting", "concurrency", concurrency, "backends", backendOrder)

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func(id int) {
			ex.loop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
	return nil
}

// loop reserves and processes tasks until ctx is cancelled.
func (e *executor) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := e.queue.Reserve(ctx)
		if err != nil {
			slog.Error("worker: reserve failed", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if res == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		e.process(ctx, res)
	}
}

// process runs one commit task end to end: checkout, backend submission,
// webhook correlation, export, and job bookkeeping.
func (e *executor) process(ctx context.Context, res *queue.Reservation) {
	task := res.Task
	logger := slog.With("commit_task_id", task.CommitTaskID, "project", task.ProjectKey, "commit", task.CommitSha)

	if err := e.store.ClaimCommitTask(ctx, task.CommitTaskID); err != nil {
		logger.Error("worker: claiming commit task", "error", err)
	}

	componentKey := models.ComponentKey(task.ProjectKey, task.CommitSha)
	outcome, failReason := e.runTask(ctx, task, componentKey, logger)

	succeeded := outcome == models.SonarRunStatusSucceeded || outcome == models.SonarRunStatusSkipped
	if err := e.store.FinishCommitTask(ctx, task.CommitTaskID,
		map[bool]string{true: models.CommitTaskStatusSucceeded, false: models.CommitTaskStatusFailed}[succeeded]); err != nil {
		logger.Error("worker: finishing commit task", "error", err)
	}
	if err := e.store.AdvanceJob(ctx, task.JobID, succeeded, task.CommitSha, failReason); err != nil {
		logger.Error("worker: advancing job", "error", err)
	}

	metrics.CommitTasksTotal.WithLabelValues(outcomeLabel(succeeded)).Inc()

	if succeeded {
		if err := e.queue.Ack(ctx, res); err != nil {
			logger.Error("worker: acking task", "error", err)
		}
		return
	}

	retryCountAfter := task.RetryCount + 1
	if err := e.queue.Nack(ctx, res, failReason); err != nil {
		logger.Error("worker: nacking task", "error", err)
	}
	if retryCountAfter > e.cfg.Queue.MaxRetries {
		e.deadLetter(ctx, task, failReason, logger)
	}

	// fail_fast: one failed commit flips the whole data source to failed.
	// The job's other tasks stay queued and are still processed.
	if ds, err := e.store.GetDataSource(ctx, task.DataSourceID); err == nil && ds.FailFast {
		if err := e.store.UpdateDataSourceStatus(ctx, task.DataSourceID, models.DataSourceStatusFailed); err != nil {
			logger.Error("worker: flipping data source to failed", "error", err)
		}
	}
}

func outcomeLabel(succeeded bool) string {
	if succeeded {
		return "succeeded"
	}
	return "failed"
}

// runTask performs the actual checkout/submit/correlate/export sequence,
// returning the terminal SonarRun status and, on failure, a reason string
// suitable for the dead letter record.
func (e *executor) runTask(ctx context.Context, task *queue.Task, componentKey string, logger *slog.Logger) (string, string) {
	existing, err := e.store.GetSonarRunByCommit(ctx, task.DataSourceID, task.ProjectKey, task.CommitSha)
	if err == nil && existing.Terminal() {
		return existing.Status, ""
	}

	repoURL := task.RepoURL
	lease, err := e.admission.SelectInstance(ctx, e.backends)
	if err != nil {
		return models.SonarRunStatusFailed, fmt.Sprintf("admission: %v", err)
	}
	defer lease.Release(ctx)

	run := &models.SonarRun{
		DataSourceID: task.DataSourceID,
		JobID:        task.JobID,
		ProjectKey:   task.ProjectKey,
		CommitSha:    task.CommitSha,
		ComponentKey: componentKey,
		BackendInstance: lease.Instance,
	}
	runID, err := e.store.CreateSonarRun(ctx, run)
	if err != nil {
		return models.SonarRunStatusFailed, fmt.Sprintf("creating sonar run: %v", err)
	}

	dir, cleanup, err := e.worktree.Checkout(ctx, lease.Instance, task.ProjectKey, repoURL, "", task.CommitSha)
	if err != nil {
		if isMissingCommit(err) {
			match, ferr := e.forkFinder.FindCommitRepo(ctx, task.RepoSlug, task.CommitSha)
			if ferr != nil || match == nil {
				reason := "commit not found in canonical repo or any fork"
				if ferr != nil {
					reason = ferr.Error()
				}
				_ = e.store.UpdateSonarRunStatus(ctx, runID, models.SonarRunStatusFailed, reason)
				return models.SonarRunStatusFailed, reason
			}
			dir, cleanup, err = e.worktree.Checkout(ctx, lease.Instance, task.ProjectKey, repoURL, match.CloneURL, task.CommitSha)
			if err != nil {
				_ = e.store.UpdateSonarRunStatus(ctx, runID, models.SonarRunStatusFailed, err.Error())
				return models.SonarRunStatusFailed, err.Error()
			}
		} else {
			_ = e.store.UpdateSonarRunStatus(ctx, runID, models.SonarRunStatusFailed, err.Error())
			return models.SonarRunStatusFailed, err.Error()
		}
	}
	defer cleanup()

	backendCfg := e.backendConfig(lease.Instance)
	e.runner.HostURL = backendCfg.BaseURL
	e.runner.Token = backendCfg.Token

	if _, err := e.runner.Scan(ctx, dir, task.ProjectKey, componentKey, task.CommitSha); err != nil {
		_ = e.store.UpdateSonarRunStatus(ctx, runID, models.SonarRunStatusFailed, err.Error())
		return models.SonarRunStatusFailed, err.Error()
	}
	if err := e.store.MarkSonarRunSubmitted(ctx, runID, lease.Instance, ""); err != nil {
		logger.Error("worker: marking run submitted", "error", err)
	}

	client := sonar.NewClient(backendCfg.BaseURL, backendCfg.Token)
	status, err := e.awaitVerdict(ctx, client, componentKey, runID, logger)
	if err != nil {
		return models.SonarRunStatusFailed, err.Error()
	}
	if status != models.SonarRunStatusSucceeded {
		return status, "quality gate failed"
	}

	// awaitVerdict only returns succeeded once the metrics row is already
	// written — either by the webhook handler's export or by the poll
	// fallback below — so there is nothing left to export here.
	return models.SonarRunStatusSucceeded, ""
}

// awaitVerdict polls the SonarRun row for a webhook-delivered terminal
// status, falling back to the backend's own quality-gate endpoint if the
// webhook hasn't landed after one poll interval. This is the only fallback
// for a missing webhook; the reconciler does not poll verdicts. It only
// returns succeeded after the
// metrics row has actually been exported, matching the webhook path's own
// invariant that succeeded implies exported.
func (e *executor) awaitVerdict(ctx context.Context, client *sonar.Client, componentKey string, runID int64, logger *slog.Logger) (string, error) {
	interval := time.Duration(e.cfg.Backends.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	deadline := time.Now().Add(10 * interval)

	for time.Now().Before(deadline) {
		run, err := e.store.GetSonarRunByComponentKey(ctx, componentKey)
		if err == nil && run.Terminal() {
			return run.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		verdict, err := client.QualityGateVerdict(ctx, componentKey)
		if err != nil {
			logger.Debug("worker: polling quality gate", "error", err)
			continue
		}
		if verdict == "" {
			continue
		}
		if !models.SuccessVerdict(verdict) {
			if err := e.store.MarkSonarRunFinished(ctx, runID, models.SonarRunStatusFailed, "", verdict); err != nil {
				logger.Error("worker: marking run finished from poll", "error", err)
			}
			return models.SonarRunStatusFailed, nil
		}

		run, err = e.store.GetSonarRunByComponentKey(ctx, componentKey)
		if err != nil {
			return "", fmt.Errorf("reloading sonar run for export: %w", err)
		}
		if err := e.exporter.ExportForRun(ctx, e.store, client, run, e.cfg.Export.MeasureKeys, e.cfg.Export.MeasuresChunkSize); err != nil {
			return "", fmt.Errorf("exporting metrics: %w", err)
		}
		return models.SonarRunStatusSucceeded, nil
	}
	return "", fmt.Errorf("timed out waiting for quality gate verdict on %s", componentKey)
}

func (e *executor) backendConfig(instance string) config.BackendInstanceConfig {
	for _, b := range e.cfg.Backends.Instances {
		if b.Name == instance {
			return b
		}
	}
	return config.BackendInstanceConfig{}
}

func (e *executor) deadLetter(ctx context.Context, task *queue.Task, reason string, logger *slog.Logger) {
	payload, err := json.Marshal(task)
	if err != nil {
		logger.Error("worker: marshaling dead letter payload", "error", err)
		return
	}
	dl := &models.DeadLetter{
		JobID:          task.JobID,
		DataSourceID:   task.DataSourceID,
		Payload:        string(payload),
		Reason:         reason,
		ConfigOverride: task.ConfigOverride,
	}
	if _, err := e.store.CreateDeadLetter(ctx, dl); err != nil {
		logger.Error("worker: creating dead letter", "error", err)
	}
}

// isMissingCommit reports whether a checkout failure looks like the commit
// simply doesn't exist in the canonical repo, the condition that should
// trigger a fork search rather than an unconditional failure.
func isMissingCommit(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "object not found") ||
		strings.Contains(msg, "reference not found") ||
		strings.Contains(msg, "checking out")
}
