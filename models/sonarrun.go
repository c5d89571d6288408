package models

import (
	"strings"
	"time"
)

// SonarRun records one commit's progress through the analysis backend:
// submission, webhook correlation, and export.
type SonarRun struct {
	ID             int64      `json:"id"              db:"id"`
	DataSourceID   int64      `json:"data_source_id"  db:"data_source_id"`
	JobID          int64      `json:"job_id"          db:"job_id"`
	ProjectKey     string     `json:"project_key"     db:"project_key"`
	CommitSha      string     `json:"commit_sha"      db:"commit_sha"`
	ComponentKey   string     `json:"component_key"   db:"component_key"`
	Status         string     `json:"status"          db:"status"` // running|submitted|skipped|succeeded|failed
	BackendInstance string    `json:"backend_instance" db:"backend_instance"`
	AnalysisID     string     `json:"analysis_id"     db:"analysis_id"`
	LogRef         string     `json:"log_ref"         db:"log_ref"`
	MetricsPath    string     `json:"metrics_path"    db:"metrics_path"`
	Message        string     `json:"message"         db:"message"`
	StartedAt      *time.Time `json:"started_at"      db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"     db:"finished_at"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"      db:"updated_at"`
}

const (
	SonarRunStatusRunning   = "running"
	SonarRunStatusSubmitted = "submitted"
	SonarRunStatusSkipped   = "skipped"
	SonarRunStatusSucceeded = "succeeded"
	SonarRunStatusFailed    = "failed"
)

// Terminal reports whether the run has reached a terminal status.
func (s *SonarRun) Terminal() bool {
	switch s.Status {
	case SonarRunStatusSucceeded, SonarRunStatusFailed, SonarRunStatusSkipped:
		return true
	default:
		return false
	}
}

// SuccessVerdict reports whether a quality-gate status string (case
// insensitive) counts as a success verdict per the webhook contract.
func SuccessVerdict(status string) bool {
	return strings.EqualFold(status, "ok") || strings.EqualFold(status, "success")
}
