// Package config handles configuration loading and validation for gestured.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Auth configuration for the authentication subsystem.
	Auth AuthConfig `toml:"auth"`

	// RateLimit configuration for failed-attempt backoff.
	RateLimit RateLimitConfig `toml:"rate_limit"`

	// Session configuration for challenge and session lifetimes.
	Session SessionConfig `toml:"session"`

	// Whitelist configuration for the key store.
	Whitelist WhitelistConfig `toml:"whitelist"`

	// Caller configuration for process-level allow-lists.
	Caller CallerConfig `toml:"caller"`

	// Audit configuration for the security event log.
	Audit AuditConfig `toml:"audit"`

	// Logging configuration for the operational log.
	Logging LoggingConfig `toml:"logging"`

	// DeviceBinding configuration for machine fingerprinting.
	DeviceBinding DeviceBindingConfig `toml:"device_binding"`

	// Integrity configuration for critical-file monitoring.
	Integrity IntegrityConfig `toml:"integrity"`

	// Notify configuration for D-Bus event publication.
	Notify NotifyConfig `toml:"notify"`
}

// AuthConfig controls authentication enforcement.
type AuthConfig struct {
	// Enabled gates the whole subsystem. Disabling it grants every
	// request, which is only acceptable for development builds.
	Enabled bool `toml:"enabled"`

	// LegacyKeyPath is the single-key fallback file. Empty disables
	// the legacy path.
	LegacyKeyPath string `toml:"legacy_key_path"`

	// LegacyUnwrapKeyHex decrypts an enveloped legacy key file.
	LegacyUnwrapKeyHex string `toml:"legacy_unwrap_key_hex"`

	// AttestationRootsPath is a PEM bundle of trusted attestation
	// roots. Empty disables attestation verification.
	AttestationRootsPath string `toml:"attestation_roots_path"`
}

// RateLimitConfig controls the failed-attempt limiter.
type RateLimitConfig struct {
	// MaxFailures before lockout begins.
	MaxFailures int `toml:"max_failures"`

	// InitialBackoffSec is the first lockout duration in seconds.
	InitialBackoffSec int `toml:"initial_backoff_sec"`

	// Multiplier grows the lockout per further failure.
	Multiplier int `toml:"multiplier"`

	// MaxBackoffSec caps the lockout duration in seconds.
	MaxBackoffSec int `toml:"max_backoff_sec"`

	// ResetWindowSec is how long after the last failure the record is
	// forgotten, in seconds.
	ResetWindowSec int `toml:"reset_window_sec"`
}

// SessionConfig controls challenge and session lifetimes.
type SessionConfig struct {
	// ChallengeTTLSec is the challenge validity window in seconds.
	ChallengeTTLSec int `toml:"challenge_ttl_sec"`

	// IdleTimeoutSec is the session idle expiry in seconds.
	IdleTimeoutSec int `toml:"idle_timeout_sec"`

	// CleanupIntervalSec is how often expired state is swept.
	CleanupIntervalSec int `toml:"cleanup_interval_sec"`
}

// WhitelistConfig controls the persistent key store.
type WhitelistConfig struct {
	// Path is the sqlite database file.
	Path string `toml:"path"`
}

// CallerConfig holds process-level allow-lists. Empty lists skip the
// corresponding check.
type CallerConfig struct {
	AuthorizedPackages   []string `toml:"authorized_packages"`
	AuthorizedSignatures []string `toml:"authorized_signatures"`
	AllowedContexts      []string `toml:"allowed_contexts"`
	AllowedPaths         []string `toml:"allowed_paths"`

	// PinPath persists the pinned key fingerprint. Empty disables
	// pinning.
	PinPath string `toml:"pin_path"`
}

// AuditConfig controls the security event log.
type AuditConfig struct {
	// FilePath is the audit log file. Empty disables the file sink.
	FilePath string `toml:"file_path"`

	// MaxSizeMB is the rotation threshold.
	MaxSizeMB int64 `toml:"max_size_mb"`

	// MaxBackups is the number of rotated generations kept.
	MaxBackups int `toml:"max_backups"`

	// BufferSize bounds the in-memory ring buffer.
	BufferSize int `toml:"buffer_size"`
}

// LoggingConfig controls the operational log.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is text or json.
	Format string `toml:"format"`

	// FilePath enables the file sink when set.
	FilePath string `toml:"file_path"`

	// MaxSizeMB is the rotation threshold.
	MaxSizeMB int64 `toml:"max_size_mb"`

	// MaxBackups is the number of rotated generations kept.
	MaxBackups int `toml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress"`
}

// DeviceBindingConfig controls machine fingerprinting.
type DeviceBindingConfig struct {
	// Enabled turns the device binding gate on.
	Enabled bool `toml:"enabled"`

	// StatePath stores the enrolled fingerprint.
	StatePath string `toml:"state_path"`
}

// IntegrityConfig controls critical-file monitoring.
type IntegrityConfig struct {
	// Paths are the files to baseline and watch.
	Paths []string `toml:"paths"`

	// SweepIntervalSec is the periodic re-hash interval in seconds.
	SweepIntervalSec int `toml:"sweep_interval_sec"`
}

// NotifyConfig controls D-Bus publication of critical events.
type NotifyConfig struct {
	// Enabled turns the publisher on.
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with production defaults rooted under the
// platform data directory.
func Default() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Auth: AuthConfig{
			Enabled:       true,
			LegacyKeyPath: filepath.Join(dataDir, "auth_key"),
		},
		RateLimit: RateLimitConfig{
			MaxFailures:       5,
			InitialBackoffSec: 1,
			Multiplier:        2,
			MaxBackoffSec:     600,
			ResetWindowSec:    900,
		},
		Session: SessionConfig{
			ChallengeTTLSec:    30,
			IdleTimeoutSec:     300,
			CleanupIntervalSec: 60,
		},
		Whitelist: WhitelistConfig{
			Path: filepath.Join(dataDir, "whitelist.db"),
		},
		Caller: CallerConfig{
			PinPath: filepath.Join(dataDir, "pinned_key"),
		},
		Audit: AuditConfig{
			FilePath:   filepath.Join(dataDir, "audit.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
		DeviceBinding: DeviceBindingConfig{
			Enabled:   true,
			StatePath: filepath.Join(dataDir, "device_fingerprint"),
		},
		Integrity: IntegrityConfig{
			SweepIntervalSec: 300,
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
	}
}

// Load reads path, layering the file over defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ChallengeTTL returns the configured challenge lifetime.
func (c *SessionConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSec) * time.Second
}

// IdleTimeout returns the configured session idle expiry.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// CleanupInterval returns the configured sweep interval.
func (c *SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// SweepInterval returns the configured integrity re-hash interval.
func (c *IntegrityConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}
