package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxChecksPerSecond != 1 {
		t.Errorf("MaxChecksPerSecond = %v, want 1", cfg.MaxChecksPerSecond)
	}
	if cfg.MaxConcurrentChecks != 512 {
		t.Errorf("MaxConcurrentChecks = %d, want 512", cfg.MaxConcurrentChecks)
	}
	if cfg.CheckerDeadline.Std() != 60*time.Second {
		t.Errorf("CheckerDeadline = %v, want 60s", cfg.CheckerDeadline.Std())
	}
	if cfg.MaxBodyBytes != 4<<20 {
		t.Errorf("MaxBodyBytes = %d, want 4MiB", cfg.MaxBodyBytes)
	}
	if cfg.AliveWindow.Std() != 7*24*time.Hour {
		t.Errorf("AliveWindow = %v, want 168h", cfg.AliveWindow.Std())
	}
	if cfg.SnapshotPath != filepath.Join(cfg.DataDir, "instances.json") {
		t.Errorf("SnapshotPath = %q, want it derived from DataDir", cfg.SnapshotPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
data_dir = "` + dir + `"
log_level = "debug"
max_checks_per_second = 5.0
checker_deadline = "90s"
snapshot_interval = "10m"
max_peers_per_check = 500
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxChecksPerSecond != 5 {
		t.Errorf("MaxChecksPerSecond = %v, want 5", cfg.MaxChecksPerSecond)
	}
	if cfg.CheckerDeadline.Std() != 90*time.Second {
		t.Errorf("CheckerDeadline = %v, want 90s", cfg.CheckerDeadline.Std())
	}
	if cfg.SnapshotInterval.Std() != 10*time.Minute {
		t.Errorf("SnapshotInterval = %v, want 10m", cfg.SnapshotInterval.Std())
	}
	if cfg.MaxPeersPerCheck != 500 {
		t.Errorf("MaxPeersPerCheck = %d, want 500", cfg.MaxPeersPerCheck)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxRedirects != 5 {
		t.Errorf("MaxRedirects = %d, want default 5", cfg.MaxRedirects)
	}
	if cfg.StorePath() != filepath.Join(dir, "fedicrawler.db") {
		t.Errorf("StorePath = %q, want it inside data_dir", cfg.StorePath())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("max_cheks_per_second = 5.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load accepted a misspelled key")
	}
	if !strings.Contains(err.Error(), "max_cheks_per_second") {
		t.Errorf("error %q does not name the offending key", err)
	}
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("max_checks_per_second = 0.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a zero rate limit")
	}
}
