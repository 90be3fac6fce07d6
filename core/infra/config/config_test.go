package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PACKD_DATA_ROOT", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != defaultRedisURL || cfg.NatsURL != defaultNATSURL {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.InstallMode != "prod" {
		t.Fatalf("expected prod default install mode, got %s", cfg.InstallMode)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packd.yaml")
	body := "redis_url: redis://file:6379\ngateway_addr: \":9999\"\ndata_root: " + dir + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PACKD_CONFIG", path)
	t.Setenv("PACKD_REDIS_URL", "redis://env:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://env:6379" {
		t.Fatalf("env should override file, got %s", cfg.RedisURL)
	}
	if cfg.GatewayAddr != ":9999" {
		t.Fatalf("file value lost, got %s", cfg.GatewayAddr)
	}
}

func TestRejectsUnknownInstallMode(t *testing.T) {
	t.Setenv("PACKD_DATA_ROOT", t.TempDir())
	t.Setenv("PACKD_INSTALL_MODE", "staging")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown install mode")
	}
}

func TestDerivedDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{DataRoot: root}
	if cfg.PacksDir() != filepath.Join(root, "packs") {
		t.Fatalf("unexpected packs dir: %s", cfg.PacksDir())
	}
	if cfg.StagingDir() != filepath.Join(root, "staging") {
		t.Fatalf("unexpected staging dir: %s", cfg.StagingDir())
	}
	if cfg.SandboxRoot() != filepath.Join(root, "sandbox") {
		t.Fatalf("unexpected sandbox root: %s", cfg.SandboxRoot())
	}
}
