package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "selfextend.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/selfextend
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/selfextend" {
		t.Fatalf("expected overridden data_dir, got %q", cfg.DataDir)
	}
	if cfg.Sandbox.PoolMax != 8 {
		t.Fatalf("expected default pool_max to survive, got %d", cfg.Sandbox.PoolMax)
	}
	if cfg.Proposal.CleanupSchedule != "17 3 * * *" {
		t.Fatalf("expected default cleanup schedule to survive, got %q", cfg.Proposal.CleanupSchedule)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  pool_min: 1
  bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidatesSandboxPoolBounds(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  pool_min: 10
  pool_max: 2
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "pool bounds") {
		t.Fatalf("expected pool bounds error, got %v", err)
	}
}

func TestLoadRequiresS3BucketWhenBackendIsS3(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: s3
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "storage.s3.bucket") {
		t.Fatalf("expected bucket error, got %v", err)
	}
}

func TestLoadRequiresSQLitePathWhenStoreIsSQLite(t *testing.T) {
	path := writeConfig(t, `
proposal:
  store: sqlite
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "sqlite_path") {
		t.Fatalf("expected sqlite_path error, got %v", err)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("sandbox:\n  pool_min: 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile base: %v", err)
	}
	mainPath := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(mainPath, []byte("$include: base.yaml\nsandbox:\n  pool_max: 9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile main: %v", err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.PoolMin != 3 || cfg.Sandbox.PoolMax != 9 {
		t.Fatalf("expected included + local fields merged, got %+v", cfg.Sandbox)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SELFEXTEND_TEST_DATA_DIR", "/tmp/from-env")
	path := writeConfig(t, `
data_dir: ${SELFEXTEND_TEST_DATA_DIR}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/from-env" {
		t.Fatalf("expected env-expanded data_dir, got %q", cfg.DataDir)
	}
}

func TestApplyEnvOverridesSandboxKnobs(t *testing.T) {
	t.Setenv("SANDBOX_POOL_MAX", "16")
	t.Setenv("SANDBOX_TIMEOUT_MS", "5000")

	cfg := ApplyEnv(Default())
	if cfg.Sandbox.PoolMax != 16 {
		t.Fatalf("expected pool max override, got %d", cfg.Sandbox.PoolMax)
	}
	if cfg.Sandbox.TimeoutMs != 5000 {
		t.Fatalf("expected timeout override, got %d", cfg.Sandbox.TimeoutMs)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
