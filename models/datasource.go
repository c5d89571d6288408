package models

import "time"

// DataSource is an uploaded build-history CSV and the aggregate state of
// ingesting it.
type DataSource struct {
	ID             int64      `json:"id"               db:"id"`
	Name           string     `json:"name"             db:"name"`
	SourcePath     string     `json:"source_path"      db:"source_path"`
	TotalCommits   int        `json:"total_commits"    db:"total_commits"`
	ConfigOverride string     `json:"config_override"  db:"config_override"` // raw scanner properties text, "" when unset
	Status         string     `json:"status"           db:"status"`         // pending|processing|ready|failed
	FailFast       bool       `json:"fail_fast"        db:"fail_fast"`
	CreatedAt      time.Time  `json:"created_at"       db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"       db:"updated_at"`
}

const (
	DataSourceStatusPending    = "pending"
	DataSourceStatusProcessing = "processing"
	DataSourceStatusReady      = "ready"
	DataSourceStatusFailed     = "failed"
)
