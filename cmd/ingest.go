package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/internal/ingest"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/models"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [csv-file]",
	Short: "Upload a build-history CSV and enqueue its commits",
	Long: `ingest registers csv-file as a DataSource, deduplicates its
(project, commit) pairs into CommitTasks, and enqueues each for a worker
to pick up.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().String("name", "", "name for the data source (default: file name)")
	ingestCmd.Flags().Bool("fail-fast", false, "mark the data source failed on the first scan failure")
	ingestCmd.Flags().String("config-override", "", "raw scanner properties applied to every commit in this data source")
}

func runIngest(cmd *cobra.Command, args []string) error {
	csvPath := args[0]
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = filepath.Base(csvPath)
	}
	failFast, _ := cmd.Flags().GetBool("fail-fast")
	configOverride, _ := cmd.Flags().GetString("config-override")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

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

	ctx := context.Background()

	ds := &models.DataSource{
		Name:           name,
		SourcePath:     csvPath,
		ConfigOverride: configOverride,
		FailFast:       failFast,
		Status:         models.DataSourceStatusPending,
	}
	dsID, err := st.CreateDataSource(ctx, ds)
	if err != nil {
		return fmt.Errorf("creating data source: %w", err)
	}
	ds.ID = dsID

	pipeline := ingest.New(st, q, cfg.Ingest.BatchSize)
	jobID, queued, err := pipeline.FanOut(ctx, ds, csvPath)
	if err != nil {
		return fmt.Errorf("fanning out data source: %w", err)
	}

	fmt.Printf("data source %d created, job %d queued %d commit task(s)\n", dsID, jobID, queued)
	return nil
}
