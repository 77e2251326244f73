package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatLine(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	line := formatLine(Event{
		Timestamp: ts,
		Type:      EventAuthFailure,
		Severity:  SeverityWarning,
		UID:       1000,
		PID:       4242,
		Details:   "signature verification failed",
	})
	want := "2026-03-01T12:00:00Z | WARNING | auth_failure | uid=1000 pid=4242 | signature verification failed"
	if line != want {
		t.Fatalf("line = %q\nwant %q", line, want)
	}

	line = formatLine(Event{
		Timestamp:  ts,
		Type:       EventSessionCreated,
		Severity:   SeverityInfo,
		UID:        1000,
		PID:        4242,
		InstanceID: "instance-a",
	})
	if !strings.Contains(line, "uid=1000 pid=4242 instance=instance-a") {
		t.Fatalf("instance missing from line: %q", line)
	}
}

func TestFileSinkWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := New(Config{
		FilePath:   path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		BufferSize: 8,
	})
	if err != nil {
		t.Fatal(err)
	}

	l.Record(Event{Type: EventStartup, Severity: SeverityInfo, UID: 0, PID: 1})
	l.Record(Event{Type: EventAuthSuccess, Severity: SeverityInfo, UID: 1000, PID: 2})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "startup") || !strings.Contains(lines[1], "auth_success") {
		t.Fatalf("unexpected content: %q", lines)
	}
}

func TestRingBufferNewestFirst(t *testing.T) {
	l, err := New(Config{BufferSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		l.Record(Event{Type: EventAuthFailure, Severity: SeverityWarning, UID: uint32(i)})
	}

	recent := l.Recent(0)
	if len(recent) != 4 {
		t.Fatalf("buffered = %d, want 4 (ring capacity)", len(recent))
	}
	// Events 5,4,3,2 survive, newest first.
	for i, ev := range recent {
		if want := uint32(5 - i); ev.UID != want {
			t.Fatalf("recent[%d].UID = %d, want %d", i, ev.UID, want)
		}
	}
}

func TestByIdentityAndBySeverity(t *testing.T) {
	l, err := New(Config{BufferSize: 16})
	if err != nil {
		t.Fatal(err)
	}

	l.Record(Event{Type: EventAuthFailure, Severity: SeverityWarning, UID: 1000})
	l.Record(Event{Type: EventAuthSuccess, Severity: SeverityInfo, UID: 2000})
	l.Record(Event{Type: EventDeviceMismatch, Severity: SeverityCritical, UID: 1000})

	byID := l.ByIdentity(1000, 0)
	if len(byID) != 2 {
		t.Fatalf("ByIdentity = %d events, want 2", len(byID))
	}

	crit := l.BySeverity(SeverityCritical, 0)
	if len(crit) != 1 || crit[0].Type != EventDeviceMismatch {
		t.Fatalf("BySeverity(critical) = %+v", crit)
	}
}

func TestCounters(t *testing.T) {
	l, err := New(Config{BufferSize: 8})
	if err != nil {
		t.Fatal(err)
	}

	l.Record(Event{Type: EventAuthSuccess, Severity: SeverityInfo})
	l.Record(Event{Type: EventAuthFailure, Severity: SeverityWarning})
	l.Record(Event{Type: EventAuthFailure, Severity: SeverityWarning})
	l.Record(Event{Type: EventRateLimited, Severity: SeverityWarning})
	l.Record(Event{Type: EventPinMismatch, Severity: SeverityCritical})

	c := l.CountersSnapshot()
	if c.AuthSuccesses != 1 || c.AuthFailures != 2 || c.RateLimitHits != 1 || c.SecurityViolations != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestCallbackReceivesEvents(t *testing.T) {
	l, err := New(Config{BufferSize: 8})
	if err != nil {
		t.Fatal(err)
	}

	var got []Event
	l.SetCallback(func(ev Event) { got = append(got, ev) })

	l.Record(Event{Type: EventKeyRejected, Severity: SeverityCritical, UID: 1000})
	if len(got) != 1 || got[0].Type != EventKeyRejected {
		t.Fatalf("callback events = %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("timestamp should be stamped before delivery")
	}
}
