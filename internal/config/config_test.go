package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DefaultPin != "_default" {
		t.Errorf("DefaultPin = %q, want %q", cfg.DefaultPin, "_default")
	}
	if cfg.QueryMaxResults != 10000 {
		t.Errorf("QueryMaxResults = %d, want 10000", cfg.QueryMaxResults)
	}
	if cfg.QueryMaxRelationDepth != 3 {
		t.Errorf("QueryMaxRelationDepth = %d, want 3", cfg.QueryMaxRelationDepth)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("WorkerPoolSize = %d, want 8", cfg.WorkerPoolSize)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	content := `{"query_max_results": 50, "worker_pool_size": 2}`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.QueryMaxResults != 50 {
		t.Errorf("QueryMaxResults = %d, want 50", cfg.QueryMaxResults)
	}
	if cfg.WorkerPoolSize != 2 {
		t.Errorf("WorkerPoolSize = %d, want 2", cfg.WorkerPoolSize)
	}
	// Untouched fields keep defaults.
	if cfg.DefaultPin != "_default" {
		t.Errorf("DefaultPin = %q, want default", cfg.DefaultPin)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte("{nope"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("Load should fail on malformed JSON")
	}
}

func TestLoad_ValidationRejectsOutOfRange(t *testing.T) {
	tmpDir := t.TempDir()
	content := `{"query_max_relation_depth": 99}`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("Load should reject relation depth above the maximum")
	}
}

func TestInstallationID_StableAcrossCalls(t *testing.T) {
	tmpDir := t.TempDir()

	first, err := InstallationID(tmpDir)
	if err != nil {
		t.Fatalf("InstallationID failed: %v", err)
	}
	if first == "" {
		t.Fatal("InstallationID returned empty string")
	}

	second, err := InstallationID(tmpDir)
	if err != nil {
		t.Fatalf("second InstallationID failed: %v", err)
	}
	if first != second {
		t.Errorf("InstallationID not stable: %q vs %q", first, second)
	}
}

func TestInstallationID_CorruptFileReplaced(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "installation"), []byte("not-a-uuid"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	id, err := InstallationID(tmpDir)
	if err != nil {
		t.Fatalf("InstallationID failed: %v", err)
	}
	if id == "" || id == "not-a-uuid" {
		t.Errorf("expected fresh UUID, got %q", id)
	}
}
