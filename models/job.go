package models

import "time"

// Job tracks one ingestion run of a DataSource: the fan-out of CommitTasks
// and their aggregate progress.
type Job struct {
	ID                   int64     `json:"id"                     db:"id"`
	DataSourceID         int64     `json:"data_source_id"         db:"data_source_id"`
	Total                int       `json:"total"                  db:"total"`
	Processed            int       `json:"processed"              db:"processed"`
	FailedCount          int       `json:"failed_count"           db:"failed_count"`
	Status               string    `json:"status"                 db:"status"` // queued|running|succeeded|failed|cancelled
	CurrentCommit        string    `json:"current_commit"         db:"current_commit"`
	AssignedBackendInstance string `json:"assigned_backend_instance" db:"assigned_backend_instance"`
	LastError            string    `json:"last_error"             db:"last_error"`
	CreatedAt            time.Time `json:"created_at"             db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"             db:"updated_at"`
}

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Terminal reports whether processed+failed has reached total.
func (j *Job) Terminal() bool {
	return j.Processed+j.FailedCount >= j.Total
}
