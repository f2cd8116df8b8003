package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	content := `
server:
  port: 9000
storage:
  fields_path: "/data/fields.db"
quota:
  heavy: 20
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Storage.FieldsPath != "/data/fields.db" {
		t.Errorf("unexpected fields_path: %s", cfg.Storage.FieldsPath)
	}
	// Unset values fall back to defaults.
	if cfg.Storage.AuditPath != "./data/audit.db" {
		t.Errorf("expected default audit_path, got %s", cfg.Storage.AuditPath)
	}
	if cfg.Quota.Heavy != 20 {
		t.Errorf("expected heavy quota 20, got %d", cfg.Quota.Heavy)
	}
	if cfg.Quota.Standard != 60 {
		t.Errorf("expected default standard quota 60, got %d", cfg.Quota.Standard)
	}
	if cfg.Compute.TileSize != 256 {
		t.Errorf("expected default tile size 256, got %d", cfg.Compute.TileSize)
	}
	if cfg.Query.ExportPageSize != 100 {
		t.Errorf("expected default export page size 100, got %d", cfg.Query.ExportPageSize)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		t.Error("expected default CORS allow-list")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("server: [not: valid"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_CORSAllowListIsNeverWildcard(t *testing.T) {
	content := `
server:
  cors_origins: ["https://app.example.com"]
`
	cfg := loadFromString(t, content)
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("unexpected allow-list: %v", cfg.Server.CORSOrigins)
	}
	for _, o := range DefaultConfig().Server.CORSOrigins {
		if o == "*" {
			t.Error("default CORS allow-list must not contain a wildcard")
		}
	}
}
