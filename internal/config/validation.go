package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for inconsistencies. It returns a
// ValidationErrors listing every problem found, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.RateLimit.MaxFailures < 1 {
		errs = append(errs, ValidationError{"rate_limit.max_failures", "must be at least 1"})
	}
	if c.RateLimit.InitialBackoffSec < 1 {
		errs = append(errs, ValidationError{"rate_limit.initial_backoff_sec", "must be at least 1"})
	}
	if c.RateLimit.Multiplier < 1 {
		errs = append(errs, ValidationError{"rate_limit.multiplier", "must be at least 1"})
	}
	if c.RateLimit.MaxBackoffSec < c.RateLimit.InitialBackoffSec {
		errs = append(errs, ValidationError{"rate_limit.max_backoff_sec", "must not be below initial_backoff_sec"})
	}
	if c.RateLimit.ResetWindowSec < 1 {
		errs = append(errs, ValidationError{"rate_limit.reset_window_sec", "must be at least 1"})
	}

	if c.Session.ChallengeTTLSec < 1 {
		errs = append(errs, ValidationError{"session.challenge_ttl_sec", "must be at least 1"})
	}
	if c.Session.IdleTimeoutSec < 1 {
		errs = append(errs, ValidationError{"session.idle_timeout_sec", "must be at least 1"})
	}
	if c.Session.CleanupIntervalSec < 1 {
		errs = append(errs, ValidationError{"session.cleanup_interval_sec", "must be at least 1"})
	}

	if c.Whitelist.Path == "" {
		errs = append(errs, ValidationError{"whitelist.path", "must be set"})
	}

	if c.Audit.BufferSize < 1 {
		errs = append(errs, ValidationError{"audit.buffer_size", "must be at least 1"})
	}
	if c.Audit.FilePath != "" && c.Audit.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{"audit.max_size_mb", "must be at least 1 when the file sink is enabled"})
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format)})
	}

	if c.DeviceBinding.Enabled && c.DeviceBinding.StatePath == "" {
		errs = append(errs, ValidationError{"device_binding.state_path", "must be set when device binding is enabled"})
	}

	if len(c.Integrity.Paths) > 0 && c.Integrity.SweepIntervalSec < 1 {
		errs = append(errs, ValidationError{"integrity.sweep_interval_sec", "must be at least 1 when paths are monitored"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
