package models

import "time"

// CommitTask is one unit of fan-out work: scan a single commit of a single
// project. Identity is (ProjectKey, CommitSha); the DB row additionally
// scopes it to the Job that produced it so retries and reconciliation can
// find it without re-deriving identity from the queue envelope alone.
type CommitTask struct {
	ID             int64     `json:"id"              db:"id"`
	JobID          int64     `json:"job_id"          db:"job_id"`
	DataSourceID   int64     `json:"data_source_id"  db:"data_source_id"`
	ProjectKey     string    `json:"project_key"     db:"project_key"`
	CommitSha      string    `json:"commit_sha"      db:"commit_sha"`
	RepoURL        string    `json:"repo_url"        db:"repo_url"`
	RepoSlug       string    `json:"repo_slug"       db:"repo_slug"`
	ConfigOverride string    `json:"config_override" db:"config_override"`
	Status         string    `json:"status"          db:"status"` // pending|claimed|succeeded|failed
	RetryCount     int       `json:"retry_count"     db:"retry_count"`
	ClaimedAt      *time.Time `json:"claimed_at"     db:"claimed_at"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"      db:"updated_at"`
}

const (
	CommitTaskStatusPending   = "pending"
	CommitTaskStatusClaimed   = "claimed"
	CommitTaskStatusSucceeded = "succeeded"
	CommitTaskStatusFailed    = "failed"
)

// ComponentKey returns the identifier the commit is registered under in the
// analysis backend.
func ComponentKey(projectKey, commitSha string) string {
	return projectKey + "_" + commitSha
}
