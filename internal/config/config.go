package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Prodigy configuration
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Branch    BranchConfig    `mapstructure:"branch"`
	Events    EventsConfig    `mapstructure:"events"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig controls where Prodigy keeps job state
type StorageConfig struct {
	// RootDir is the base directory for worktrees, checkpoints, events,
	// and the DLQ. If empty, defaults to ~/.prodigy.
	// Supports ~ for home directory expansion.
	RootDir string `mapstructure:"root_dir"`
}

// SchedulerConfig controls map-phase parallelism and retry behavior
type SchedulerConfig struct {
	// MaxParallel is the maximum number of concurrent agents (default: 10)
	MaxParallel int `mapstructure:"max_parallel"`
	// AgentTimeoutSeconds is the per-attempt agent deadline in seconds (default: 600)
	AgentTimeoutSeconds int `mapstructure:"agent_timeout_seconds"`
	// RetryOnFailure is the number of additional attempts for a failed item (default: 2)
	RetryOnFailure int `mapstructure:"retry_on_failure"`
	// GracePeriodSeconds is how long a cancelled agent gets between SIGTERM
	// and SIGKILL (default: 10)
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// AgentConfig controls how the external agent CLI is invoked
type AgentConfig struct {
	// Binary is the agent CLI executable name or path (default: "claude")
	Binary string `mapstructure:"binary"`
	// ExtraArgs are appended to every agent invocation
	ExtraArgs []string `mapstructure:"extra_args"`
}

// BranchConfig controls branch naming for worktrees
type BranchConfig struct {
	// Prefix is the branch name prefix (default: "prodigy")
	// Agent branches are named <prefix>-agent-<job-id>-<item-id>.
	Prefix string `mapstructure:"prefix"`
}

// EventsConfig controls the append-only event log
type EventsConfig struct {
	// MaxFileSizeMB is the event file size at which a new events-NNN.jsonl
	// segment is started (default: 10)
	MaxFileSizeMB int `mapstructure:"max_file_size_mb"`
}

// DLQConfig controls the dead letter queue bounds
type DLQConfig struct {
	// MaxItems is the maximum number of entries kept per job; the oldest
	// entries are evicted first (default: 1000)
	MaxItems int `mapstructure:"max_items"`
	// RetentionDays is how long DLQ entries are kept before purge eligibility
	// (default: 30)
	RetentionDays int `mapstructure:"retention_days"`
}

// RetentionConfig controls cleanup of completed job state
type RetentionConfig struct {
	// CheckpointKeep is how many checkpoint versions to keep per job (default: 5)
	CheckpointKeep int `mapstructure:"checkpoint_keep"`
	// JobStateDays is how long completed job state is kept (default: 30)
	JobStateDays int `mapstructure:"job_state_days"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// AgentTimeout returns the per-attempt agent deadline as a time.Duration
func (s *SchedulerConfig) AgentTimeout() time.Duration {
	return time.Duration(s.AgentTimeoutSeconds) * time.Second
}

// GracePeriod returns the SIGTERM-to-SIGKILL window as a time.Duration
func (s *SchedulerConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSeconds) * time.Second
}

// Retention returns the DLQ retention window as a time.Duration
func (d *DLQConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// ResolveRootDir returns the resolved storage root.
// If RootDir is empty, it returns ~/.prodigy.
// If RootDir starts with ~, it expands to the user's home directory.
func (s *StorageConfig) ResolveRootDir() string {
	path := s.RootDir
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".prodigy"
		}
		return filepath.Join(home, ".prodigy")
	}

	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	} else if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}

	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			RootDir: "", // Empty means ~/.prodigy
		},
		Scheduler: SchedulerConfig{
			MaxParallel:         10,
			AgentTimeoutSeconds: 600,
			RetryOnFailure:      2,
			GracePeriodSeconds:  10,
		},
		Agent: AgentConfig{
			Binary:    "claude",
			ExtraArgs: []string{},
		},
		Branch: BranchConfig{
			Prefix: "prodigy",
		},
		Events: EventsConfig{
			MaxFileSizeMB: 10,
		},
		DLQ: DLQConfig{
			MaxItems:      1000,
			RetentionDays: 30,
		},
		Retention: RetentionConfig{
			CheckpointKeep: 5,
			JobStateDays:   30,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Storage defaults
	viper.SetDefault("storage.root_dir", defaults.Storage.RootDir)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_parallel", defaults.Scheduler.MaxParallel)
	viper.SetDefault("scheduler.agent_timeout_seconds", defaults.Scheduler.AgentTimeoutSeconds)
	viper.SetDefault("scheduler.retry_on_failure", defaults.Scheduler.RetryOnFailure)
	viper.SetDefault("scheduler.grace_period_seconds", defaults.Scheduler.GracePeriodSeconds)

	// Agent defaults
	viper.SetDefault("agent.binary", defaults.Agent.Binary)
	viper.SetDefault("agent.extra_args", defaults.Agent.ExtraArgs)

	// Branch defaults
	viper.SetDefault("branch.prefix", defaults.Branch.Prefix)

	// Events defaults
	viper.SetDefault("events.max_file_size_mb", defaults.Events.MaxFileSizeMB)

	// DLQ defaults
	viper.SetDefault("dlq.max_items", defaults.DLQ.MaxItems)
	viper.SetDefault("dlq.retention_days", defaults.DLQ.RetentionDays)

	// Retention defaults
	viper.SetDefault("retention.checkpoint_keep", defaults.Retention.CheckpointKeep)
	viper.SetDefault("retention.job_state_days", defaults.Retention.JobStateDays)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "prodigy")
	}
	// Fall back to ~/.config/prodigy
	home, err := os.UserHomeDir()
	if err != nil {
		return ".prodigy"
	}
	return filepath.Join(home, ".config", "prodigy")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
