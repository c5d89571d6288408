package models

import "time"

// DeadLetter is a task persisted for operator attention after exhausted
// retries or a non-retryable failure. A single collection covers every
// reason, consolidating the two overlapping collections the original
// service kept (dead_letters, failed_commits) per spec.md's open question.
type DeadLetter struct {
	ID             int64     `json:"id"              db:"id"`
	JobID          int64     `json:"job_id"          db:"job_id"`
	DataSourceID   int64     `json:"data_source_id"  db:"data_source_id"`
	Payload        string    `json:"payload"         db:"payload"` // JSON-encoded original task
	Reason         string    `json:"reason"          db:"reason"`
	Status         string    `json:"status"          db:"status"` // pending|queued|resolved
	ConfigOverride string    `json:"config_override" db:"config_override"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"      db:"updated_at"`
}

const (
	DeadLetterStatusPending  = "pending"
	DeadLetterStatusQueued   = "queued"
	DeadLetterStatusResolved = "resolved"
)

// Reasons a task can land in DeadLetter.
const (
	ReasonScanFailed      = "scan-failed"
	ReasonMissingFork     = "missing-fork"
	ReasonProjectMissing  = "project-missing"
	ReasonExportFailed    = "export-failed"
	ReasonValidation      = "validation"
)
