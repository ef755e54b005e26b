package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.MaxParallel != 10 {
		t.Errorf("Scheduler.MaxParallel = %d, want 10", cfg.Scheduler.MaxParallel)
	}
	if cfg.Scheduler.AgentTimeoutSeconds != 600 {
		t.Errorf("Scheduler.AgentTimeoutSeconds = %d, want 600", cfg.Scheduler.AgentTimeoutSeconds)
	}
	if cfg.Scheduler.RetryOnFailure != 2 {
		t.Errorf("Scheduler.RetryOnFailure = %d, want 2", cfg.Scheduler.RetryOnFailure)
	}
	if cfg.Scheduler.GracePeriodSeconds != 10 {
		t.Errorf("Scheduler.GracePeriodSeconds = %d, want 10", cfg.Scheduler.GracePeriodSeconds)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("Agent.Binary = %q, want claude", cfg.Agent.Binary)
	}
	if cfg.Branch.Prefix != "prodigy" {
		t.Errorf("Branch.Prefix = %q, want prodigy", cfg.Branch.Prefix)
	}
	if cfg.DLQ.MaxItems != 1000 {
		t.Errorf("DLQ.MaxItems = %d, want 1000", cfg.DLQ.MaxItems)
	}
	if cfg.DLQ.RetentionDays != 30 {
		t.Errorf("DLQ.RetentionDays = %d, want 30", cfg.DLQ.RetentionDays)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) > 0 {
		t.Errorf("default config should validate cleanly, got: %v", ValidationErrors(errs))
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if got := cfg.Scheduler.AgentTimeout(); got != 10*time.Minute {
		t.Errorf("AgentTimeout = %v, want 10m", got)
	}
	if got := cfg.Scheduler.GracePeriod(); got != 10*time.Second {
		t.Errorf("GracePeriod = %v, want 10s", got)
	}
	if got := cfg.DLQ.Retention(); got != 30*24*time.Hour {
		t.Errorf("DLQ Retention = %v, want 720h", got)
	}
}

func TestResolveRootDirExplicit(t *testing.T) {
	s := StorageConfig{RootDir: "/var/lib/prodigy"}
	if got := s.ResolveRootDir(); got != "/var/lib/prodigy" {
		t.Errorf("ResolveRootDir = %q, want /var/lib/prodigy", got)
	}
}

func TestResolveRootDirDefault(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	s := StorageConfig{}
	want := filepath.Join("/home/tester", ".prodigy")
	if got := s.ResolveRootDir(); got != want {
		t.Errorf("ResolveRootDir = %q, want %q", got, want)
	}
}

func TestResolveRootDirTildeExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	s := StorageConfig{RootDir: "~/state/prodigy"}
	want := filepath.Join("/home/tester", "state", "prodigy")
	if got := s.ResolveRootDir(); got != want {
		t.Errorf("ResolveRootDir = %q, want %q", got, want)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxParallel != 10 {
		t.Errorf("MaxParallel = %d, want 10", cfg.Scheduler.MaxParallel)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadOverride(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	viper.Set("scheduler.max_parallel", 4)
	viper.Set("agent.binary", "claude-dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.Scheduler.MaxParallel)
	}
	if cfg.Agent.Binary != "claude-dev" {
		t.Errorf("Agent.Binary = %q, want claude-dev", cfg.Agent.Binary)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	viper.Set("scheduler.max_parallel", 0)

	if _, err := Load(); err == nil {
		t.Error("expected validation error for max_parallel=0")
	}
}
