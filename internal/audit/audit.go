// Package audit implements the security audit log: an append-only,
// size-rotated file sink plus a bounded in-memory ring buffer, each gated by
// its own minimum severity.
//
// Events are write-once. The log exclusively owns its file handle and ring
// buffer; callers only append.
package audit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gestured/internal/logging"
)

// Severity classifies how security-relevant an event is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the log-file name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// EventType identifies the kind of security event.
type EventType string

// Event types.
const (
	EventChallengeIssued    EventType = "challenge_issued"
	EventAuthSuccess        EventType = "auth_success"
	EventAuthFailure        EventType = "auth_failure"
	EventAuthDisabled       EventType = "auth_disabled"
	EventRateLimited        EventType = "rate_limited"
	EventSessionCreated     EventType = "session_created"
	EventSessionConflict    EventType = "session_conflict"
	EventSessionInvalidated EventType = "session_invalidated"
	EventKeyAdded           EventType = "key_added"
	EventKeyRemoved         EventType = "key_removed"
	EventKeyRevoked         EventType = "key_revoked"
	EventKeyTrusted         EventType = "key_trusted"
	EventKeyRejected        EventType = "key_rejected"
	EventPinMismatch        EventType = "pin_mismatch"
	EventDeviceMismatch     EventType = "device_mismatch"
	EventCallerRejected     EventType = "caller_rejected"
	EventIntegrityChange    EventType = "integrity_change"
	EventStartup            EventType = "startup"
	EventShutdown           EventType = "shutdown"
)

// Event is one immutable audit record.
type Event struct {
	Timestamp  time.Time
	Type       EventType
	Severity   Severity
	UID        uint32
	PID        int32
	InstanceID string
	Details    string
}

// Counters aggregates event totals since startup.
type Counters struct {
	AuthSuccesses      uint64
	AuthFailures       uint64
	RateLimitHits      uint64
	SecurityViolations uint64
}

// Config holds the audit log configuration.
type Config struct {
	// FilePath is the audit log file. Empty disables the file sink.
	FilePath string

	// MaxSizeMB is the rotation threshold for the file sink.
	MaxSizeMB int64

	// MaxBackups is the number of rotated generations to keep.
	MaxBackups int

	// FileMinSeverity gates what reaches the file sink.
	FileMinSeverity Severity

	// BufferMinSeverity gates what reaches the ring buffer.
	BufferMinSeverity Severity

	// BufferSize bounds the in-memory ring buffer.
	BufferSize int
}

// DefaultConfig returns the audit defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:         10,
		MaxBackups:        5,
		FileMinSeverity:   SeverityInfo,
		BufferMinSeverity: SeverityInfo,
		BufferSize:        256,
	}
}

// Log is the append-only audit sink.
type Log struct {
	mu       sync.Mutex
	cfg      Config
	rotator  *logging.FileRotator
	ring     []Event
	ringnext int
	ringlen  int
	counters Counters
	callback func(Event)
}

// New creates an audit log. A missing file path means buffer-only operation.
func New(cfg Config) (*Log, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	l := &Log{
		cfg:  cfg,
		ring: make([]Event, cfg.BufferSize),
	}

	if cfg.FilePath != "" {
		rotator, err := logging.NewFileRotator(&logging.Config{
			FilePath:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("create audit rotator: %w", err)
		}
		l.rotator = rotator
	}

	return l, nil
}

// SetCallback registers an external subscriber. The callback runs outside
// the log's lock so a slow subscriber cannot stall the audit path.
func (l *Log) SetCallback(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = fn
}

// Record appends an event, updating counters atomically with the write.
func (l *Log) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()

	l.count(ev)

	if l.rotator != nil && ev.Severity >= l.cfg.FileMinSeverity {
		// Best effort: an unwritable audit file must not crash the daemon.
		l.rotator.Write([]byte(formatLine(ev) + "\n"))
	}

	if ev.Severity >= l.cfg.BufferMinSeverity {
		l.ring[l.ringnext] = ev
		l.ringnext = (l.ringnext + 1) % len(l.ring)
		if l.ringlen < len(l.ring) {
			l.ringlen++
		}
	}

	cb := l.callback
	l.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

// count updates the aggregate counters. Caller holds the lock.
func (l *Log) count(ev Event) {
	switch ev.Type {
	case EventAuthSuccess:
		l.counters.AuthSuccesses++
	case EventAuthFailure:
		l.counters.AuthFailures++
	case EventRateLimited:
		l.counters.RateLimitHits++
	}
	if ev.Severity == SeverityCritical {
		l.counters.SecurityViolations++
	}
}

// Recent returns up to n buffered events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.collect(n, func(Event) bool { return true })
}

// ByIdentity returns up to n buffered events for uid, newest first.
func (l *Log) ByIdentity(uid uint32, n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.collect(n, func(ev Event) bool { return ev.UID == uid })
}

// BySeverity returns up to n buffered events at or above min, newest first.
func (l *Log) BySeverity(min Severity, n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.collect(n, func(ev Event) bool { return ev.Severity >= min })
}

// collect walks the ring newest-first. Caller holds the lock.
func (l *Log) collect(n int, match func(Event) bool) []Event {
	if n <= 0 || n > l.ringlen {
		n = l.ringlen
	}

	out := make([]Event, 0, n)
	for i := 0; i < l.ringlen && len(out) < n; i++ {
		idx := (l.ringnext - 1 - i + len(l.ring)) % len(l.ring)
		if match(l.ring[idx]) {
			out = append(out, l.ring[idx])
		}
	}
	return out
}

// CountersSnapshot returns a copy of the aggregate counters.
func (l *Log) CountersSnapshot() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// Sync flushes the file sink.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// Close closes the file sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// formatLine renders one human-readable audit record:
//
//	timestamp | severity | event_type | uid=.. pid=.. [instance=..] | details
func formatLine(ev Event) string {
	var b strings.Builder

	b.WriteString(ev.Timestamp.Format(time.RFC3339Nano))
	b.WriteString(" | ")
	b.WriteString(ev.Severity.String())
	b.WriteString(" | ")
	b.WriteString(string(ev.Type))
	b.WriteString(" | ")
	fmt.Fprintf(&b, "uid=%d pid=%d", ev.UID, ev.PID)
	if ev.InstanceID != "" {
		fmt.Fprintf(&b, " instance=%s", ev.InstanceID)
	}
	b.WriteString(" | ")
	b.WriteString(ev.Details)

	return b.String()
}
