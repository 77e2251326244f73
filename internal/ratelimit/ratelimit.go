// Package ratelimit implements the per-identity authentication failure
// limiter: exponential backoff after repeated failures, a reset window, and
// full reset on success. It is independent of the crypto and session state.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config holds the limiter parameters.
type Config struct {
	// MaxFailures is the failure count at which lockout begins.
	MaxFailures int

	// InitialBackoff is the lockout applied at the first threshold hit.
	InitialBackoff time.Duration

	// Multiplier grows the backoff per additional failure.
	Multiplier float64

	// MaxBackoff caps the computed lockout.
	MaxBackoff time.Duration

	// ResetWindow is how long an identity must stay failure-free before
	// its record is forgotten.
	ResetWindow time.Duration
}

// DefaultConfig returns the limiter defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:    5,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     10 * time.Minute,
		ResetWindow:    15 * time.Minute,
	}
}

// Decision is the outcome of a CheckAllowed call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// attemptRecord tracks failures for one identity.
type attemptRecord struct {
	count        int
	firstFailure time.Time
	lastAttempt  time.Time
	lockedUntil  time.Time
}

// Limiter tracks authentication failures per identity.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	attempts map[uint32]*attemptRecord

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config) *Limiter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	return &Limiter{
		cfg:      cfg,
		attempts: make(map[uint32]*attemptRecord),
		now:      time.Now,
	}
}

// CheckAllowed reports whether an authentication attempt by uid may proceed.
func (l *Limiter) CheckAllowed(uid uint32) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	record, ok := l.attempts[uid]
	if !ok || now.Sub(record.lastAttempt) > l.cfg.ResetWindow {
		return Decision{Allowed: true, Remaining: l.cfg.MaxFailures}
	}

	if record.lockedUntil.After(now) {
		retry := record.lockedUntil.Sub(now)
		return Decision{
			RetryAfter: retry,
			Reason:     fmt.Sprintf("locked out after %d failures, retry in %dms", record.count, retry.Milliseconds()),
		}
	}

	if record.count >= l.cfg.MaxFailures {
		// Lockout expired but the identity has not been failure-free long
		// enough to reset: re-apply the backoff for the current count.
		retry := l.backoff(record.count)
		record.lockedUntil = now.Add(retry)
		return Decision{
			RetryAfter: retry,
			Reason:     fmt.Sprintf("lockout re-applied after %d failures, retry in %dms", record.count, retry.Milliseconds()),
		}
	}

	return Decision{Allowed: true, Remaining: l.cfg.MaxFailures - record.count}
}

// RecordFailure records a failed authentication attempt for uid.
func (l *Limiter) RecordFailure(uid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	record, ok := l.attempts[uid]
	if !ok || now.Sub(record.lastAttempt) > l.cfg.ResetWindow {
		record = &attemptRecord{firstFailure: now}
		l.attempts[uid] = record
	}

	record.count++
	record.lastAttempt = now

	if record.count >= l.cfg.MaxFailures {
		record.lockedUntil = now.Add(l.backoff(record.count))
	}
}

// RecordSuccess clears the failure record for uid. No partial credit.
func (l *Limiter) RecordSuccess(uid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.attempts, uid)
}

// FailureCount returns the current failure count for uid.
func (l *Limiter) FailureCount(uid uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.attempts[uid]
	if !ok {
		return 0
	}
	return record.count
}

// CleanupExpired evicts identities inactive longer than the reset window.
// This is a hygiene pass to bound memory growth, not a security control.
func (l *Limiter) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for uid, record := range l.attempts {
		if now.Sub(record.lastAttempt) > l.cfg.ResetWindow {
			delete(l.attempts, uid)
			removed++
		}
	}
	return removed
}

// backoff computes the lockout duration for a failure count.
// The duration is derived from the count, not wall-clock since the first
// failure, so a slow drip of failures still escalates.
func (l *Limiter) backoff(count int) time.Duration {
	d := float64(l.cfg.InitialBackoff)
	for i := 1; i < count; i++ {
		d *= l.cfg.Multiplier
		if time.Duration(d) >= l.cfg.MaxBackoff {
			return l.cfg.MaxBackoff
		}
	}
	if time.Duration(d) > l.cfg.MaxBackoff {
		return l.cfg.MaxBackoff
	}
	return time.Duration(d)
}
