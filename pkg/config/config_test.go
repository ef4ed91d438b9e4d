package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// TestLoadConfigMissingFileUsesDefaults verifies a missing file yields the defaults
func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("Expected default config, got %+v", cfg)
	}
	if addr := cfg.Addr(); addr != "0.0.0.0:7860" {
		t.Errorf("Expected address 0.0.0.0:7860, got %s", addr)
	}
}

// TestSaveAndLoadConfig verifies a saved config loads back unchanged
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "readstudy.yaml")

	cfg := DefaultConfig()
	cfg.Data.CTDataDir = "/srv/ct"
	cfg.Server.Port = 9000
	cfg.Sample.Compress = true
	cfg.Server.SessionTTL = 90 * time.Minute
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Errorf("Expected %+v, got %+v", cfg, loaded)
	}
}

// TestPartialYAMLKeepsDefaults verifies unset keys keep their default values
func TestPartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readstudy.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Data.CTDataDir != "./data/ct_images" {
		t.Errorf("Expected default data dir, got %s", cfg.Data.CTDataDir)
	}
	if cfg.Server.PasswordHash != DefaultPasswordHash {
		t.Errorf("Expected default password hash, got %s", cfg.Server.PasswordHash)
	}
}

// TestEnvOverrides verifies environment variables win over the file
func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readstudy.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}

	t.Setenv("READSTUDY_CT_DATA_DIR", "/env/ct")
	t.Setenv("READSTUDY_PORT", "9999")
	t.Setenv("READSTUDY_LOG_FILE", "/var/log/readstudy.log")
	t.Setenv("READSTUDY_SESSION_TTL", "2h")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Data.CTDataDir != "/env/ct" {
		t.Errorf("Expected data dir /env/ct, got %s", cfg.Data.CTDataDir)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Logging.File != "/var/log/readstudy.log" {
		t.Errorf("Expected log file /var/log/readstudy.log, got %s", cfg.Logging.File)
	}
	if cfg.Server.SessionTTL != 2*time.Hour {
		t.Errorf("Expected session TTL 2h, got %s", cfg.Server.SessionTTL)
	}
}

// TestLoadConfigInvalid verifies malformed and out-of-range files are rejected
func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"garbage.yaml", "server: [unterminated", ""},
		{"hash.yaml", "server:\n  passwordHash: abc\n", "passwordHash"},
		{"ttl.yaml", "server:\n  sessionTTL: 5s\n", "sessionTTL"},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name)
		if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", tt.name, err)
		}
		_, err := LoadConfig(path)
		if err == nil {
			t.Errorf("%s: expected an error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: expected error mentioning %q, got %v", tt.name, tt.wantErr, err)
		}
	}
}

// TestEnsureDirectories verifies the data directories are created
func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Data.CTDataDir = filepath.Join(root, "ct")
	cfg.Data.DatabasePath = filepath.Join(root, "db", "study.db")
	cfg.Data.ExportDir = filepath.Join(root, "csv")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("Failed to create directories: %v", err)
	}
	for _, dir := range []string{"ct", "db", "csv"} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil {
			t.Fatalf("Directory %s was not created: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("Expected %s to be a directory", dir)
		}
	}
}
