package models

import "time"

// Output is the per-(job, path) metrics CSV this system appends to. It is
// the durable record of what is otherwise a plain file on disk, so the API
// surface can list exports without touching the filesystem.
type Output struct {
	ID          int64     `json:"id"           db:"id"`
	JobID       int64     `json:"job_id"       db:"job_id"`
	Path        string    `json:"path"         db:"path"`
	ProjectKey  string    `json:"project_key"  db:"project_key"`
	RepoName    string    `json:"repo_name"    db:"repo_name"`
	Metrics     string    `json:"metrics"      db:"metrics"` // JSON array of metric keys, in column order
	RecordCount int       `json:"record_count" db:"record_count"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"   db:"updated_at"`
}
