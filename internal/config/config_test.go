package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Probe.IntervalSeconds = 7
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Probe.IntervalSeconds != 7 {
		t.Errorf("Probe.IntervalSeconds = %d, want 7", loaded.Probe.IntervalSeconds)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg := LoadOrDefault("/nonexistent/config.toml")
	if cfg.Probe.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want default 3", cfg.Probe.FailureThreshold)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Retry.MaxAttempts)
	}
}

func TestPartialFileGetsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("default_session = \"erp\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "erp" {
		t.Errorf("DefaultSession = %q, want erp", cfg.DefaultSession)
	}
	if cfg.Avatar.TTLHours != 24 {
		t.Errorf("Avatar.TTLHours = %d, want default 24", cfg.Avatar.TTLHours)
	}
	if cfg.Daemon.ListenAddr == "" {
		t.Error("ListenAddr should default")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
