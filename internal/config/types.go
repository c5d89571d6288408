package config

// Config is the root configuration structure for commitpipe.
// Serialised to ~/.commitpipe/config.yaml.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"    json:"database"`
	Queue       QueueConfig       `mapstructure:"queue"       json:"queue"`
	Worktree    WorktreeConfig    `mapstructure:"worktree"    json:"worktree"`
	Backends    BackendsConfig    `mapstructure:"backends"    json:"backends"`
	Git         GitConfig         `mapstructure:"git"         json:"git"`
	ForkFinder  ForkFinderConfig  `mapstructure:"fork_finder" json:"fork_finder"`
	Export      ExportConfig      `mapstructure:"export"      json:"export"`
	Ingest      IngestConfig      `mapstructure:"ingest"      json:"ingest"`
	HTTPAPI     HTTPAPIConfig     `mapstructure:"http_api"    json:"http_api"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"  json:"reconciler"`
	Metrics     MetricsConfig     `mapstructure:"metrics"     json:"metrics"`
	Scanner     ScannerConfig     `mapstructure:"scanner"     json:"scanner"`
}

// ScannerConfig controls the scanner subprocess the commit executor invokes
// against each checked-out commit.
type ScannerConfig struct {
	// Bin is the scanner binary name or path, expected on PATH by default.
	Bin string `mapstructure:"bin" json:"bin"`
	// LogsDir holds one log file per scanned commit.
	LogsDir string `mapstructure:"logs_dir" json:"logs_dir"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// QueueConfig controls the distributed work queue backing CommitTask
// dispatch and dead-lettering.
type QueueConfig struct {
	Addr     string `mapstructure:"addr"     json:"addr"`
	Password string `mapstructure:"password" json:"password"` // #nosec G101 -- config field, not a hardcoded credential
	DB       int    `mapstructure:"db"       json:"db"`
	// KeyPrefix namespaces the sorted sets and dead-letter list this instance uses,
	// so multiple environments can share one Redis without collisions.
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// VisibilityTimeoutSeconds is how long a reserved task stays invisible
	// to other workers before it's eligible for redelivery.
	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds" json:"visibility_timeout_seconds"`
	// MaxRetries is the number of redeliveries allowed before a task moves
	// to the dead-letter queue.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	// MaxBackoffSeconds caps the exponential-backoff-with-jitter delay
	// applied between retries.
	MaxBackoffSeconds int `mapstructure:"max_backoff_seconds" json:"max_backoff_seconds"`
}

// WorktreeConfig controls where and how per-commit checkouts are materialised.
type WorktreeConfig struct {
	// RootDir holds the per-(backend,project) mirror clones.
	RootDir string `mapstructure:"root_dir" json:"root_dir"`
	// WorkDir holds the ephemeral per-commit worktrees cloned from a mirror.
	WorkDir string `mapstructure:"work_dir" json:"work_dir"`
	// CloneDepth is passed to go-git; 0 means a full clone.
	CloneDepth int `mapstructure:"clone_depth" json:"clone_depth"`
	// LockTimeoutSeconds bounds how long a worker waits on the advisory
	// repo lock before giving up.
	LockTimeoutSeconds int `mapstructure:"lock_timeout_seconds" json:"lock_timeout_seconds"`
}

// BackendsConfig lists the analysis-server instances tasks are admitted
// against, plus the shared webhook verification secret.
type BackendsConfig struct {
	Instances []BackendInstanceConfig `mapstructure:"instances" json:"instances"`
	// WebhookSecret verifies the HMAC signature on inbound quality-gate
	// callbacks.
	WebhookSecret string `mapstructure:"webhook_secret" json:"webhook_secret"` // #nosec G101 -- config field, not a hardcoded credential
	// PollIntervalSeconds is the worker's interval for polling a run's
	// status while it waits for the webhook, before it asks the backend's
	// quality-gate endpoint directly.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
}

// BackendInstanceConfig is one configured analysis-server instance.
type BackendInstanceConfig struct {
	Name          string `mapstructure:"name"           json:"name"`
	BaseURL       string `mapstructure:"base_url"       json:"base_url"`
	Token         string `mapstructure:"token"          json:"token"` // #nosec G101 -- config field, not a hardcoded credential
	MaxConcurrent int    `mapstructure:"max_concurrent" json:"max_concurrent"`
}

// GitConfig holds credentials for the git hosting platform used to clone
// commits and probe fork ancestry.
type GitConfig struct {
	GitHub []GitHubConfig `mapstructure:"github" json:"github"`
}

// GitHubConfig holds credentials for a single GitHub instance. Multiple
// entries form the token pool the fork finder rotates through to spread
// rate-limit budget across calls.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host" json:"host"`
}

// ForkFinderConfig bounds the cost of locating which fork holds a missing
// commit.
type ForkFinderConfig struct {
	// MaxForkPages caps how many pages of the forks listing are probed
	// before giving up and dead-lettering the task.
	MaxForkPages int `mapstructure:"max_fork_pages" json:"max_fork_pages"`
	// PerPage is the GitHub API page size used when listing forks.
	PerPage int `mapstructure:"per_page" json:"per_page"`
	// UseGraphQLBatch probes each listed fork with a GraphQL query instead
	// of a REST commit lookup. It is still one query per fork; the probes
	// are not batched.
	UseGraphQLBatch bool `mapstructure:"use_graphql_batch" json:"use_graphql_batch"`
}

// ExportConfig controls the per-project metrics CSV writer.
type ExportConfig struct {
	// OutputDir is the root directory metrics CSVs are written under.
	OutputDir string `mapstructure:"output_dir" json:"output_dir"`
	// MeasureKeys is the ordered list of SonarQube measure keys fetched
	// and written as CSV columns.
	MeasureKeys []string `mapstructure:"measure_keys" json:"measure_keys"`
	// MeasuresChunkSize bounds how many measure keys are requested per
	// measures/component API call.
	MeasuresChunkSize int `mapstructure:"measures_chunk_size" json:"measures_chunk_size"`
}

// IngestConfig controls CSV upload handling.
type IngestConfig struct {
	// UploadDir stores the raw uploaded build-history CSVs.
	UploadDir string `mapstructure:"upload_dir" json:"upload_dir"`
	// BatchSize is handed to the ingest pipeline, which stores it but does
	// not use it: fan-out inserts CommitTask rows one at a time, outside any
	// transaction.
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
}

// HTTPAPIConfig controls the REST surface (datasources/jobs/outputs/dead
// letters) and the mounted webhook receiver.
type HTTPAPIConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// ReconcilerConfig controls the periodic sweep that re-enqueues stale
// claims and expired queue reservations.
type ReconcilerConfig struct {
	// Schedule is a robfig/cron expression, e.g. "@every 10m".
	Schedule string `mapstructure:"schedule" json:"schedule"`
	// StaleClaimMinutes is how long a CommitTask may sit "claimed" before
	// the reconciler assumes its worker died and requeues it.
	StaleClaimMinutes int `mapstructure:"stale_claim_minutes" json:"stale_claim_minutes"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr"    json:"addr"`
}
