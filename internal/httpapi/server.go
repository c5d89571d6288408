// Package httpapi exposes the REST surface over datasources, jobs,
// outputs, and dead letters, and mounts the inbound webhook receiver.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/export"
	"github.com/scanforge/commitpipe/internal/ingest"
	"github.com/scanforge/commitpipe/internal/queue"
	"github.com/scanforge/commitpipe/internal/sonar"
	"github.com/scanforge/commitpipe/internal/store"
	"github.com/scanforge/commitpipe/internal/webhook"
	"github.com/scanforge/commitpipe/models"
)

// Server wires the HTTP mux to the store and queue.
type Server struct {
	store         *store.Store
	queue         queue.Queue
	ingest        *ingest.Pipeline
	uploadDir     string
	webhookSecret string
	backends      []config.BackendInstanceConfig
	exporter      *export.Exporter
	measureKeys   []string
	measuresChunk int
	router        *mux.Router
	httpServer    *http.Server
}

// New builds a Server listening on addr. backends and exporter let the
// webhook handler fetch measures and export a commit's metrics itself once
// a success verdict arrives, rather than only recording the verdict.
func New(addr string, st *store.Store, q queue.Queue, ing *ingest.Pipeline, uploadDir, webhookSecret string,
	backends []config.BackendInstanceConfig, exporter *export.Exporter, measureKeys []string, measuresChunk int) *Server {
	s := &Server{
		store:         st,
		queue:         q,
		ingest:        ing,
		uploadDir:     uploadDir,
		webhookSecret: webhookSecret,
		backends:      backends,
		exporter:      exporter,
		measureKeys:   measureKeys,
		measuresChunk: measuresChunk,
		router:        mux.NewRouter(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// backendConfig looks up the configured BaseURL/Token for instance.
func (s *Server) backendConfig(instance string) config.BackendInstanceConfig {
	for _, b := range s.backends {
		if b.Name == instance {
			return b
		}
	}
	return config.BackendInstanceConfig{}
}

func (s *Server) routes() {
	s.router.HandleFunc("/datasources", s.createDataSource).Methods(http.MethodPost)
	s.router.HandleFunc("/datasources", s.listDataSources).Methods(http.MethodGet)
	s.router.HandleFunc("/datasources/{id}", s.getDataSource).Methods(http.MethodGet)

	s.router.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)

	s.router.HandleFunc("/jobs/{id}/outputs", s.listOutputs).Methods(http.MethodGet)

	s.router.HandleFunc("/dead_letters", s.listDeadLetters).Methods(http.MethodGet)
	s.router.HandleFunc("/dead_letters/{id}/retry", s.retryDeadLetter).Methods(http.MethodPost)

	s.router.HandleFunc("/sonar/webhook", s.handleWebhook).Methods(http.MethodPost)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createDataSource accepts a multipart CSV upload, persists it under
// uploadDir, creates the DataSource row, and fans it out into CommitTasks.
func (s *Server) createDataSource(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parsing upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	failFast := r.FormValue("fail_fast") == "true"
	configOverride := r.FormValue("config_override")

	destPath, err := saveUpload(s.uploadDir, header.Filename, file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	ds := &models.DataSource{
		Name:           name,
		SourcePath:     destPath,
		ConfigOverride: configOverride,
		FailFast:       failFast,
		Status:         models.DataSourceStatusPending,
	}
	dsID, err := s.store.CreateDataSource(r.Context(), ds)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	ds.ID = dsID

	jobID, queued, err := s.ingest.FanOut(r.Context(), ds, destPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("fanning out: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data_source_id": dsID,
		"job_id":         jobID,
		"queued":         queued,
	})
}

func (s *Server) listDataSources(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListDataSources(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDataSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	ds, err := s.store.GetDataSource(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listOutputs(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.store.ListOutputs(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	var jobID int64
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		jobID = id
	}
	out, err := s.store.ListDeadLetters(r.Context(), jobID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// retryDeadLetter re-enqueues a dead-lettered task's original payload and
// marks the dead letter row as queued so it isn't retried twice.
func (s *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	dl, err := s.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	var task queue.Task
	if err := json.Unmarshal([]byte(dl.Payload), &task); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("decoding dead letter payload: %w", err))
		return
	}
	task.RetryCount = 0
	if err := s.queue.Enqueue(r.Context(), &task); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.MarkDeadLetterStatus(r.Context(), id, models.DeadLetterStatusQueued); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handleWebhook verifies and correlates an inbound quality-gate callback. A
// failing verdict is recorded immediately; a passing verdict only triggers
// the export, and the run reaches succeeded solely once the exporter has
// appended the metrics row — never at webhook-receipt time.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := webhook.Parse(r, s.webhookSecret)
	if err != nil {
		if err.Error() == "webhook: missing project key" {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeErr(w, http.StatusUnauthorized, err)
		return
	}

	run, err := s.store.GetSonarRunByComponentKey(r.Context(), payload.ComponentKey())
	if err != nil {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no sonar run for component %s: %w", payload.ComponentKey(), err))
		return
	}

	verdict := payload.QualityGate.Status
	if verdict == "" {
		verdict = payload.Status
	}
	if err := s.store.UpdateSonarRunAnalysisID(r.Context(), run.ID, payload.AnalysisKey()); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	if !models.SuccessVerdict(verdict) {
		if err := s.store.MarkSonarRunFinished(r.Context(), run.ID, models.SonarRunStatusFailed, run.MetricsPath, verdict); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	run.AnalysisID = payload.AnalysisKey()
	go s.exportAfterWebhook(run)

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// exportAfterWebhook fetches measures and appends the metrics row for a run
// whose quality gate passed, then marks it succeeded. Runs off the request
// goroutine so the webhook response doesn't block on the backend's measures
// endpoint. If the process dies before it completes, the run stays
// non-terminal, so a redelivered webhook can retry it; the reconciler does
// not. If the export itself errors, the run is marked failed.
func (s *Server) exportAfterWebhook(run *models.SonarRun) {
	ctx := context.Background()
	backendCfg := s.backendConfig(run.BackendInstance)
	client := sonar.NewClient(backendCfg.BaseURL, backendCfg.Token)
	if err := s.exporter.ExportForRun(ctx, s.store, client, run, s.measureKeys, s.measuresChunk); err != nil {
		slog.Error("httpapi: exporting metrics after webhook", "component_key", run.ComponentKey, "error", err)
		if ferr := s.store.MarkSonarRunFinished(ctx, run.ID, models.SonarRunStatusFailed, run.MetricsPath, err.Error()); ferr != nil {
			slog.Error("httpapi: marking run failed after export error", "component_key", run.ComponentKey, "error", ferr)
		}
	}
}
