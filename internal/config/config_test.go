package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite default driver, got %q", cfg.Database.Driver)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected default max_retries 5, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Export.MeasuresChunkSize != 15 {
		t.Fatalf("expected default measures chunk size 15, got %d", cfg.Export.MeasuresChunkSize)
	}
	if len(cfg.Export.MeasureKeys) == 0 {
		t.Fatalf("expected default measure keys to be populated")
	}

	wantDBPath := filepath.Join(home, DefaultDBFile)
	if cfg.Database.Path != wantDBPath {
		t.Fatalf("expected database path %q, got %q", wantDBPath, cfg.Database.Path)
	}
}

func TestLoadReadsOverrideFileAndExpandsHomePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfgPath := filepath.Join(home, "custom-config.yaml")
	contents := "database:\n  driver: sqlite\nworktree:\n  root_dir: ~/custom-mirrors\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(home, "custom-mirrors")
	if cfg.Worktree.RootDir != want {
		t.Fatalf("expected ~ expansion to %q, got %q", want, cfg.Worktree.RootDir)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Queue.MaxRetries = 9

	cfgPath := filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	if err := Save(cfg, cfgPath); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Queue.MaxRetries != 9 {
		t.Fatalf("expected saved override to round-trip, got %d", reloaded.Queue.MaxRetries)
	}
}

func TestConfigPathDefaultsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ConfigPath("")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	want := filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got, err = ConfigPath("/explicit/path.yaml")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if got != "/explicit/path.yaml" {
		t.Fatalf("expected explicit override to pass through, got %q", got)
	}
}
