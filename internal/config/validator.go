package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters.
// Branch names start with a letter and contain alphanumeric, hyphen, underscore.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateEvents()...)
	errors = append(errors, c.validateDLQ()...)
	errors = append(errors, c.validateRetention()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if path := c.Storage.RootDir; path != "" {
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "storage.root_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		// Most filesystems cap paths around 4096
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "storage.root_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	const minMaxParallel = 1
	const maxMaxParallel = 100

	if c.Scheduler.MaxParallel < minMaxParallel {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_parallel",
			Value:   c.Scheduler.MaxParallel,
			Message: fmt.Sprintf("must be at least %d", minMaxParallel),
		})
	}
	if c.Scheduler.MaxParallel > maxMaxParallel {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_parallel",
			Value:   c.Scheduler.MaxParallel,
			Message: fmt.Sprintf("exceeds maximum of %d", maxMaxParallel),
		})
	}

	if c.Scheduler.AgentTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.agent_timeout_seconds",
			Value:   c.Scheduler.AgentTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if c.Scheduler.RetryOnFailure < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.retry_on_failure",
			Value:   c.Scheduler.RetryOnFailure,
			Message: "must be non-negative (0 disables retries)",
		})
	}

	if c.Scheduler.GracePeriodSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.grace_period_seconds",
			Value:   c.Scheduler.GracePeriodSeconds,
			Message: "must be non-negative (0 kills immediately)",
		})
	}

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Binary) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.binary",
			Value:   c.Agent.Binary,
			Message: "cannot be empty",
		})
	}

	return errors
}

// validateBranch validates the BranchConfig
func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	// Git branch names have length limits
	const maxBranchPrefixLength = 50
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	return errors
}

// validateEvents validates the EventsConfig
func (c *Config) validateEvents() []ValidationError {
	var errors []ValidationError

	if c.Events.MaxFileSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "events.max_file_size_mb",
			Value:   c.Events.MaxFileSizeMB,
			Message: "must be positive",
		})
	}

	const maxEventFileSizeMB = 1000 // 1GB
	if c.Events.MaxFileSizeMB > maxEventFileSizeMB {
		errors = append(errors, ValidationError{
			Field:   "events.max_file_size_mb",
			Value:   c.Events.MaxFileSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxEventFileSizeMB),
		})
	}

	return errors
}

// validateDLQ validates the DLQConfig
func (c *Config) validateDLQ() []ValidationError {
	var errors []ValidationError

	if c.DLQ.MaxItems <= 0 {
		errors = append(errors, ValidationError{
			Field:   "dlq.max_items",
			Value:   c.DLQ.MaxItems,
			Message: "must be positive",
		})
	}

	if c.DLQ.RetentionDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "dlq.retention_days",
			Value:   c.DLQ.RetentionDays,
			Message: "must be non-negative (0 makes entries purge-eligible immediately)",
		})
	}

	return errors
}

// validateRetention validates the RetentionConfig
func (c *Config) validateRetention() []ValidationError {
	var errors []ValidationError

	if c.Retention.CheckpointKeep < 1 {
		errors = append(errors, ValidationError{
			Field:   "retention.checkpoint_keep",
			Value:   c.Retention.CheckpointKeep,
			Message: "must be at least 1",
		})
	}

	if c.Retention.JobStateDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "retention.job_state_days",
			Value:   c.Retention.JobStateDays,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
