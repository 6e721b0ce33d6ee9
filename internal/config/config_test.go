package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.Name != "airweave-sync" {
		t.Fatalf("expected default service name, got %q", cfg.Service.Name)
	}
	if cfg.Orchestrator.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected default heartbeat interval, got %v", cfg.Orchestrator.HeartbeatInterval)
	}
	if cfg.WorkerPool.Queues["entities"] != 10 {
		t.Fatalf("expected default entities queue depth 10, got %v", cfg.WorkerPool.Queues)
	}
}

func TestLoadReadsYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
service:
  name: custom-sync
  environment: staging
  log_level: debug
postgres:
  dsn: "postgres://example"
  max_open_conns: 25
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.Name != "custom-sync" {
		t.Fatalf("expected yaml override, got %q", cfg.Service.Name)
	}
	if cfg.Postgres.MaxOpenConns != 25 {
		t.Fatalf("expected yaml override for max_open_conns, got %d", cfg.Postgres.MaxOpenConns)
	}
	// Defaults not present in the file must still apply.
	if cfg.Bolt.Path != "./data/airweave.db" {
		t.Fatalf("expected default bolt path to survive partial override, got %q", cfg.Bolt.Path)
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  environment: nonsense\n"), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid environment")
	}
}

func TestEnvConfigGetStringFallsBackToDefault(t *testing.T) {
	ec := NewEnvConfig("AIRWEAVE_TEST")
	if got := ec.GetString("UNSET_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("got %q, want fallback", got)
	}
}

func TestEnvConfigGetStringReadsOverride(t *testing.T) {
	t.Setenv("AIRWEAVE_TEST_SOME_KEY", "from-env")
	ec := NewEnvConfig("AIRWEAVE_TEST")
	if got := ec.GetString("SOME_KEY", "fallback"); got != "from-env" {
		t.Fatalf("got %q, want from-env", got)
	}
}

func TestEnvConfigMustGetStringPanicsWhenMissing(t *testing.T) {
	ec := NewEnvConfig("AIRWEAVE_TEST")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for missing required env var")
		}
	}()
	ec.MustGetString("DEFINITELY_NOT_SET")
}

func TestEnvConfigGetIntAndBoolAndDuration(t *testing.T) {
	t.Setenv("AIRWEAVE_TEST_COUNT", "7")
	t.Setenv("AIRWEAVE_TEST_FLAG", "true")
	t.Setenv("AIRWEAVE_TEST_TIMEOUT", "2s")
	ec := NewEnvConfig("AIRWEAVE_TEST")

	if got := ec.GetInt("COUNT", 0); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	if got := ec.GetBool("FLAG", false); !got {
		t.Fatal("expected true")
	}
	if got := ec.GetDuration("TIMEOUT", time.Second); got != 2*time.Second {
		t.Fatalf("got %v, want 2s", got)
	}
}

func TestValidatorAccumulatesErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("name", "")
	v.RequirePositiveInt("count", -1)
	v.RequireOneOf("mode", "unknown", []string{"a", "b"})

	if v.IsValid() {
		t.Fatal("expected validator to record errors")
	}
	if err := v.Validate(); err == nil {
		t.Fatal("expected Validate to return an error")
	}
}

func TestValidatorPassesWhenAllRequirementsMet(t *testing.T) {
	v := NewValidator()
	v.RequireString("name", "set")
	v.RequirePositiveInt("count", 5)
	v.RequireOneOf("mode", "a", []string{"a", "b"})

	if !v.IsValid() {
		t.Fatal("expected validator to pass")
	}
	if err := v.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
