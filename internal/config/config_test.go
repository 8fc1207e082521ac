package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// clearEnv unsets every override; t.Setenv restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"HEALTHGATE_DB_PATH", "HEALTHGATE_RULES_DIR", "HEALTHGATE_PRIORS", "HEALTHGATE_LOG_LEVEL", "HEALTHGATE_LOG_FORMAT", "HEALTHGATE_OWNER"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := &Config{
		DataDir:   dir,
		DBPath:    filepath.Join(dir, "healthgate.db"),
		RulesDir:  filepath.Join(dir, "rules"),
		LogLevel:  "info",
		LogFormat: "text",
		Owner:     "local",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t)
	file := "log_level: debug\nowner: clinic-7\npriors_path: /etc/priors.yaml\n"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(file), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HEALTHGATE_OWNER", "from-env")

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LogLevel != "debug" || c.PriorsPath != "/etc/priors.yaml" {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Owner != "from-env" {
		t.Errorf("env should win over file, owner = %q", c.Owner)
	}
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEALTHGATE_LOG_FORMAT", "xml")
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for xml log format")
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	clearEnv(t)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}
}
