package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "ssh:\n  insecure_ignore_host_key: true\n")

	cfg, err := LoadAndValidateConfigWithPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database != filepath.Join(dir, "rexec.db") {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.SSH.ConnectTimeout.Std() != 10*time.Second || cfg.SSH.KillGrace.Std() != 2*time.Second {
		t.Errorf("timeouts = %s, %s", cfg.SSH.ConnectTimeout.Std(), cfg.SSH.KillGrace.Std())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" || cfg.SSH.Parallel != 4 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadInterpolatesEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_NAME=from-dotenv.db\nREXEC_TEST_TIMEOUT=1s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REXEC_TEST_TIMEOUT", "3s")
	path := writeConfig(t, dir, `
database: ${DB_NAME}
ssh:
  connect_timeout: ${REXEC_TEST_TIMEOUT}
  kill_grace: 5
  insecure_ignore_host_key: true
log:
  format: json
  output: ${REXEC_TEST_UNSET_VAR}
`)
	cfg, err := LoadAndValidateConfigWithPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if filepath.Base(cfg.Database) != "from-dotenv.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.SSH.ConnectTimeout.Std() != 3*time.Second {
		t.Errorf("OS env should win over .env, got %s", cfg.SSH.ConnectTimeout.Std())
	}
	if cfg.SSH.KillGrace.Std() != 5*time.Second {
		t.Errorf("KillGrace = %s", cfg.SSH.KillGrace.Std())
	}
	if len(cfg.MissingEnv) != 1 || cfg.MissingEnv[0] != "REXEC_TEST_UNSET_VAR" {
		t.Errorf("MissingEnv = %v", cfg.MissingEnv)
	}
	if cfg.Log.Output != "stderr" {
		t.Errorf("empty output should default, got %q", cfg.Log.Output)
	}
}

func TestVaultKeyFromEnvironment(t *testing.T) {
	t.Setenv(VaultKeyEnv, "a2V5")
	path := writeConfig(t, t.TempDir(), "ssh:\n  insecure_ignore_host_key: true\n")
	cfg, err := LoadAndValidateConfigWithPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vault.Key != "a2V5" {
		t.Errorf("Vault.Key = %q", cfg.Vault.Key)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "databse: typo.db\n")
	if _, err := LoadAndValidateConfigWithPath(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateConfigAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.SSH.Parallel = -1
	cfg.Vault.Key = "k"
	cfg.Vault.KeyFile = "/nonexistent/key"

	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"host key", "level", "parallel", "key_file"} {
		if !strings.Contains(err.Error(), want) && !strings.Contains(err.Error(), strings.ReplaceAll(want, " ", "_")) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestValidateConfigValid(t *testing.T) {
	cfg := Default()
	cfg.SSH.InsecureIgnoreHostKey = true
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestInterpolateLeavesShellVariables(t *testing.T) {
	t.Setenv("REXEC_TEST_X", "x")
	out, missing := InterpolateEnv("echo $HOME ${REXEC_TEST_X} ${1:-a}", nil)
	if out != "echo $HOME x ${1:-a}" {
		t.Errorf("out = %q", out)
	}
	if len(missing) != 0 {
		t.Errorf("missing = %v", missing)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadAndValidateConfigWithPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
