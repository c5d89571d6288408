package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/scanforge/commitpipe/internal/export"
	"github.com/scanforge/commitpipe/internal/httpapi"
	"github.com/scanforge/commitpipe/internal/ingest"
	"github.com/scanforge/commitpipe/internal/metrics"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/reconciler"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook receiver, and reconciler",
	Long: `serve starts the REST API (data source uploads, job/output/dead
letter browsing), mounts the inbound quality-gate webhook receiver, exposes
Prometheus metrics, and runs the periodic reconciliation sweep — all in one
process, the same way the original scheduler and its web frontend shared one
deployable unit.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if cfg.Metrics.Enabled {
		metrics.MustRegister(prometheus.DefaultRegisterer)
	}

	pipeline := ingest.New(st, q, cfg.Ingest.BatchSize)
	server := httpapi.New(cfg.HTTPAPI.Addr, st, q, pipeline, cfg.Ingest.UploadDir, cfg.Backends.WebhookSecret,
		cfg.Backends.Instances, export.New(cfg.Export.OutputDir), cfg.Export.MeasureKeys, cfg.Export.MeasuresChunkSize)

	rec, err := reconciler.New(st, q, cfg.Reconciler.Schedule, time.Duration(cfg.Reconciler.StaleClaimMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("setting up reconciler: %w", err)
	}
	rec.Start()
	defer rec.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("serve: starting", "http_addr", cfg.HTTPAPI.Addr, "reconciler_schedule", cfg.Reconciler.Schedule)
	return server.Start(ctx)
}
