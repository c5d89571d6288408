package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

const (
	DefaultConfigDir  = ".commitpipe"
	DefaultConfigFile = "config.yaml"
	DefaultDBFile     = ".commitpipe/commitpipe.db"
	DefaultWorkDir    = ".commitpipe/work"
	DefaultUploadDir  = ".commitpipe/uploads"
	DefaultOutputDir  = ".commitpipe/exports"
)

// Load reads the config file (applying defaults for anything unset) and
// returns a populated Config. The configPath flag may override the default
// location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet, defaults carry the Unmarshal below.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as YAML.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDir creates the directories commitpipe writes to if they don't exist.
func EnsureDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dirs := []string{
		filepath.Join(home, DefaultConfigDir),
		filepath.Join(home, DefaultWorkDir),
		filepath.Join(home, DefaultUploadDir),
		filepath.Join(home, DefaultOutputDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("queue.addr", "127.0.0.1:6379")
	v.SetDefault("queue.db", 0)
	v.SetDefault("queue.key_prefix", "commitpipe")
	v.SetDefault("queue.visibility_timeout_seconds", 300)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.max_backoff_seconds", 180)

	v.SetDefault("worktree.root_dir", filepath.Join(home, DefaultConfigDir, "mirrors"))
	v.SetDefault("worktree.work_dir", filepath.Join(home, DefaultWorkDir))
	v.SetDefault("worktree.clone_depth", 0)
	v.SetDefault("worktree.lock_timeout_seconds", 60)

	v.SetDefault("backends.poll_interval_seconds", 30)

	v.SetDefault("fork_finder.max_fork_pages", 20)
	v.SetDefault("fork_finder.per_page", 100)
	v.SetDefault("fork_finder.use_graphql_batch", true)

	v.SetDefault("export.output_dir", filepath.Join(home, DefaultOutputDir))
	v.SetDefault("export.measures_chunk_size", 15)
	v.SetDefault("export.measure_keys", []string{
		"ncloc", "complexity", "cognitive_complexity", "bugs", "vulnerabilities",
		"code_smells", "coverage", "duplicated_lines_density", "sqale_index",
	})

	v.SetDefault("ingest.upload_dir", filepath.Join(home, DefaultUploadDir))
	v.SetDefault("ingest.batch_size", 500)

	v.SetDefault("http_api.addr", "127.0.0.1:8088")

	v.SetDefault("reconciler.schedule", "@every 10m")
	v.SetDefault("reconciler.stale_claim_minutes", 30)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", "127.0.0.1:9108")

	v.SetDefault("scanner.bin", "sonar-scanner")
	v.SetDefault("scanner.logs_dir", filepath.Join(home, DefaultConfigDir, "scan-logs"))
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Worktree.RootDir = expandHome(cfg.Worktree.RootDir, home)
	cfg.Worktree.WorkDir = expandHome(cfg.Worktree.WorkDir, home)
	cfg.Export.OutputDir = expandHome(cfg.Export.OutputDir, home)
	cfg.Ingest.UploadDir = expandHome(cfg.Ingest.UploadDir, home)
	cfg.Scanner.LogsDir = expandHome(cfg.Scanner.LogsDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
